// Package recommend defines the recommendation engine contract and a
// template-based engine.
package recommend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/polycycle/sleepsync/internal/schema"
)

// Answer keys understood by Templates.
const (
	AnswerExperience  = "experience"   // beginner | intermediate | advanced
	AnswerFlexibility = "flexibility"  // low | medium | high
	AnswerNapsPerDay  = "naps_per_day" // integer, how many naps the day allows
)

// Recommendation is an engine's answer.
type Recommendation struct {
	Schedule   *schema.Schedule
	Confidence float64
	Warnings   []string
}

// Engine scores candidate schedules for a set of onboarding answers. A nil
// Recommendation with a nil error means no candidate fits.
type Engine interface {
	Recommend(ctx context.Context, ownerID string, answers map[string]string) (*Recommendation, error)
}

// block is a template block in "HH:MM" clock form.
type block struct {
	start, end string
	core       bool
}

// template is one candidate schedule.
type template struct {
	name        string
	description schema.LocalizedText
	hours       float64
	naps        int
	minLevel    int // 0 beginner, 1 intermediate, 2 advanced
	minFlex     int // 0 low, 1 medium, 2 high
	blocks      []block
}

var catalogue = []template{
	{
		name:        "Biphasic",
		description: schema.LocalizedText{"en": "One core and an afternoon nap", "de": "Ein Kernschlaf und ein Mittagsschlaf"},
		hours:       6.3, naps: 1, minLevel: 0, minFlex: 0,
		blocks: []block{{"23:00", "04:30", true}, {"14:00", "14:50", false}},
	},
	{
		name:        "Everyman 2",
		description: schema.LocalizedText{"en": "A shortened core and two naps"},
		hours:       5.2, naps: 2, minLevel: 0, minFlex: 1,
		blocks: []block{{"23:30", "04:00", true}, {"09:00", "09:20", false}, {"15:00", "15:20", false}},
	},
	{
		name:        "Everyman 3",
		description: schema.LocalizedText{"en": "A short core and three naps"},
		hours:       4.5, naps: 3, minLevel: 1, minFlex: 1,
		blocks: []block{{"01:00", "04:30", true}, {"08:30", "08:50", false}, {"13:30", "13:50", false}, {"18:30", "18:50", false}},
	},
	{
		name:        "Triphasic",
		description: schema.LocalizedText{"en": "Three cores around dusk, night and dawn"},
		hours:       4.5, naps: 2, minLevel: 1, minFlex: 2,
		blocks: []block{{"18:30", "20:00", true}, {"02:00", "03:30", true}, {"09:30", "11:00", true}},
	},
	{
		name:        "Uberman",
		description: schema.LocalizedText{"en": "Six evenly spaced naps, no core"},
		hours:       2, naps: 6, minLevel: 2, minFlex: 2,
		blocks: []block{
			{"00:00", "00:20", false}, {"04:00", "04:20", false}, {"08:00", "08:20", false},
			{"12:00", "12:20", false}, {"16:00", "16:20", false}, {"20:00", "20:20", false},
		},
	},
}

// Templates recommends from a fixed catalogue of well-known schedules.
type Templates struct{}

// Recommend implements Engine. It picks the most aggressive template the
// answers allow; confidence falls when answers are missing.
func (Templates) Recommend(ctx context.Context, ownerID string, answers map[string]string) (*Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner is required")
	}

	var warnings []string
	confidence := 0.9

	level, ok := parseLevel(answers[AnswerExperience], []string{"beginner", "intermediate", "advanced"})
	if !ok {
		warnings = append(warnings, "experience not answered; assuming beginner")
		confidence -= 0.2
	}
	flex, ok := parseLevel(answers[AnswerFlexibility], []string{"low", "medium", "high"})
	if !ok {
		warnings = append(warnings, "flexibility not answered; assuming low")
		confidence -= 0.2
	}
	naps := -1
	if v, err := strconv.Atoi(strings.TrimSpace(answers[AnswerNapsPerDay])); err == nil && v >= 0 {
		naps = v
	}

	var pick *template
	for i := range catalogue {
		t := &catalogue[i]
		if t.minLevel > level || t.minFlex > flex {
			continue
		}
		if naps >= 0 && t.naps > naps {
			continue
		}
		pick = t
	}
	if pick == nil {
		return nil, nil
	}

	if pick.hours < 3 {
		warnings = append(warnings, "very low total sleep; expect a difficult 28-day adaptation")
	}

	s := schema.NewSchedule(ownerID, pick.name, pick.hours)
	s.Description = pick.description
	for _, b := range pick.blocks {
		start, err := schema.ParseClock(b.start)
		if err != nil {
			return nil, err
		}
		end, err := schema.ParseClock(b.end)
		if err != nil {
			return nil, err
		}
		s.Blocks = append(s.Blocks, schema.NewSleepBlock(s.ID, start, end, b.core))
	}

	if confidence < 0.1 {
		confidence = 0.1
	}
	return &Recommendation{Schedule: s, Confidence: confidence, Warnings: warnings}, nil
}

func parseLevel(v string, levels []string) (int, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, l := range levels {
		if v == l {
			return i, true
		}
	}
	return 0, false
}
