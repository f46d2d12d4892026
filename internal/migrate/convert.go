package migrate

import (
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
)

// currentFromLegacy synthesizes the current-shape counterpart of l. The
// counterpart keeps l's id, and each block keeps its legacy block's id.
// Blocks whose clock strings do not parse are skipped and reported.
func currentFromLegacy(l *schema.LegacySchedule, active bool, now time.Time) (*schema.Schedule, []string) {
	syncID := l.SyncID
	if syncID == "" {
		syncID = l.ID
	}
	s := &schema.Schedule{
		ID:              l.ID,
		SyncID:          syncID,
		OwnerID:         l.OwnerID,
		Name:            l.Name,
		Description:     schema.PlainText(l.Description),
		TotalSleepHours: l.TotalSleepHours,
		IsActive:        active,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
	phase := 0
	s.AdaptationPhase = &phase
	if active {
		s.ActivatedAt = &now
	}

	var problems []string
	for _, lb := range l.Blocks {
		if lb.IsDeleted {
			continue
		}
		start, err := schema.ParseClock(lb.StartTime)
		if err != nil {
			problems = append(problems, fmt.Sprintf("legacy block %s: %v", lb.ID, err))
			continue
		}
		end, err := schema.ParseClock(lb.EndTime)
		if err != nil {
			problems = append(problems, fmt.Sprintf("legacy block %s: %v", lb.ID, err))
			continue
		}
		duration := lb.DurationMinutes
		if duration <= 0 {
			duration = start.MinutesUntil(end)
		}
		parent := l.ID
		s.Blocks = append(s.Blocks, schema.SleepBlock{
			ID:              lb.ID,
			ScheduleID:      &parent,
			Start:           start,
			End:             end,
			DurationMinutes: duration,
			IsCore:          lb.IsCore,
			CreatedAt:       lb.CreatedAt,
			UpdatedAt:       lb.UpdatedAt,
		})
	}
	return s, problems
}

// legacyFromCurrent synthesizes the legacy-shape counterpart of s.
func legacyFromCurrent(s *schema.Schedule) *schema.LegacySchedule {
	l := &schema.LegacySchedule{
		ID:              s.ID,
		SyncID:          s.SyncID,
		OwnerID:         s.OwnerID,
		Name:            s.Name,
		Description:     s.Description.Resolve(),
		TotalSleepHours: s.TotalSleepHours,
		IsActive:        s.IsActive,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	for _, b := range s.Blocks {
		if b.IsDeleted {
			continue
		}
		parent := s.ID
		l.Blocks = append(l.Blocks, schema.LegacySleepBlock{
			ID:              b.ID,
			ScheduleID:      &parent,
			StartTime:       b.Start.String(),
			EndTime:         b.End.String(),
			DurationMinutes: b.DurationMinutes,
			IsCore:          b.IsCore,
			CreatedAt:       b.CreatedAt,
			UpdatedAt:       b.UpdatedAt,
		})
	}
	return l
}
