// Package adaptation derives a schedule's adaptation phase from the time
// since it was activated.
//
// Everything here is pure: callers pass in the schedule name, activation
// time and "now". Persisting phase changes is the repository's job.
package adaptation

import (
	"fmt"
	"strings"
	"time"
)

// Class is the adaptation duration class of a schedule.
type Class int

const (
	// Standard schedules adapt over 21 days.
	Standard Class = iota
	// Extreme schedules (very low total sleep) adapt over 28 days.
	Extreme
)

// extremeKeywords mark schedule names that belong to the Extreme class.
var extremeKeywords = []string{"uberman", "dymaxion", "tesla", "spamayl"}

// ClassOf returns the class for a schedule name. Matching is
// case-insensitive on substrings, so "Uberman (modified)" is Extreme.
func ClassOf(name string) Class {
	n := strings.ToLower(name)
	for _, kw := range extremeKeywords {
		if strings.Contains(n, kw) {
			return Extreme
		}
	}
	return Standard
}

// Days is the length of the adaptation period.
func (c Class) Days() int {
	if c == Extreme {
		return 28
	}
	return 21
}

// TerminalPhase is the phase reached once the period has elapsed.
func (c Class) TerminalPhase() int {
	if c == Extreme {
		return 5
	}
	return 4
}

func (c Class) String() string {
	switch c {
	case Standard:
		return "21-day"
	case Extreme:
		return "28-day"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Phase maps a day number to a phase ordinal.
//
//	day <= 1   -> 0
//	days 2-7   -> 1
//	days 8-14  -> 2
//	days 15-21 -> 3
//	days 22-28 -> 4   (Extreme only)
//	beyond     -> terminal
//
// Negative days (activation in the future, clock skew) map to phase 0.
func Phase(day int, c Class) int {
	switch {
	case day > c.Days():
		return c.TerminalPhase()
	case day <= 1:
		return 0
	case day <= 7:
		return 1
	default:
		return (day-1)/7 + 1
	}
}

// DayNumber is the number of calendar days between activatedAt and now. The
// activation date itself is day 0 and shares phase 0 with day 1, so that on
// D+10, D+21 and D+25 a Standard schedule reports phases 2, 3 and 4.
//
// The count is zero-based rather than "difference plus one". The cost is
// that phase 0 spans two calendar dates (the activation date and the day
// after); a one-based count would shorten phase 0 to a single date but put
// every later boundary one day early.
//
// Both instants are converted to now's location first so that a session
// started late in the evening counts toward the same local date.
func DayNumber(activatedAt, now time.Time) int {
	loc := now.Location()
	a := activatedAt.In(loc)
	y1, m1, d1 := a.Date()
	y2, m2, d2 := now.Date()

	// Compare civil dates in UTC to keep DST transitions out of the math.
	start := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	end := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}

// PhaseAt is Phase(DayNumber(activatedAt, now), ClassOf(name)).
func PhaseAt(name string, activatedAt, now time.Time) int {
	return Phase(DayNumber(activatedAt, now), ClassOf(name))
}

// CanTransition reports whether a stored phase may move from one ordinal to
// another without an explicit reset. Phases never move backwards and never
// pass the terminal phase.
func CanTransition(c Class, from, to int) bool {
	return from >= 0 && to >= from && to <= c.TerminalPhase()
}

// Progress is a display-only view of an adaptation.
type Progress struct {
	Class     Class   `json:"class" yaml:"class"`
	Day       int     `json:"day" yaml:"day"`
	Phase     int     `json:"phase" yaml:"phase"`
	TotalDays int     `json:"total_days" yaml:"total_days"`
	Percent   float64 `json:"percent" yaml:"percent"`
	Completed bool    `json:"completed" yaml:"completed"`
}

// ProgressAt derives progress for day within class c.
func ProgressAt(c Class, day int) Progress {
	if day < 0 {
		day = 0
	}
	total := c.Days()
	pct := float64(day) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	phase := Phase(day, c)
	return Progress{
		Class:     c,
		Day:       day,
		Phase:     phase,
		TotalDays: total,
		Percent:   pct,
		Completed: phase == c.TerminalPhase(),
	}
}

// Calculate returns progress for a schedule activated at activatedAt.
func Calculate(name string, activatedAt, now time.Time) Progress {
	return ProgressAt(ClassOf(name), DayNumber(activatedAt, now))
}
