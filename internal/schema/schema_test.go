package schema

import (
	"strings"
	"testing"
	"time"
)

func intPtr(i int) *int { return &i }

func TestSchedule_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		schedule Schedule
		wantErr  bool
		errMsg   string
	}{
		{
			name: "valid schedule",
			schedule: Schedule{
				ID:              "s-1",
				OwnerID:         "owner-1",
				Name:            "Everyman 3",
				TotalSleepHours: 4.5,
				CreatedAt:       now,
				UpdatedAt:       now,
			},
		},
		{
			name: "missing id",
			schedule: Schedule{
				OwnerID:   "owner-1",
				Name:      "Everyman 3",
				CreatedAt: now,
				UpdatedAt: now,
			},
			wantErr: true,
		},
		{
			name: "missing owner",
			schedule: Schedule{
				ID:        "s-1",
				Name:      "Everyman 3",
				CreatedAt: now,
				UpdatedAt: now,
			},
			wantErr: true,
		},
		{
			name: "too many hours",
			schedule: Schedule{
				ID:              "s-1",
				OwnerID:         "owner-1",
				Name:            "Monophasic+",
				TotalSleepHours: 25,
				CreatedAt:       now,
				UpdatedAt:       now,
			},
			wantErr: true,
		},
		{
			name: "negative phase",
			schedule: Schedule{
				ID:              "s-1",
				OwnerID:         "owner-1",
				Name:            "Uberman",
				AdaptationPhase: intPtr(-1),
				CreatedAt:       now,
				UpdatedAt:       now,
			},
			wantErr: true,
			errMsg:  "adaptation phase must be >= 0",
		},
		{
			name: "missing created_at",
			schedule: Schedule{
				ID:        "s-1",
				OwnerID:   "owner-1",
				Name:      "Biphasic",
				UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "created_at is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestSchedule_PhaseDefaultsToZero(t *testing.T) {
	s := NewSchedule("owner-1", "Everyman 2", 5)
	if got := s.Phase(); got != 0 {
		t.Errorf("Phase() = %d, want 0", got)
	}

	s.SetPhase(3)
	if got := s.Phase(); got != 3 {
		t.Errorf("Phase() after SetPhase(3) = %d, want 3", got)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestSchedule_LiveBlocks(t *testing.T) {
	s := NewSchedule("owner-1", "Everyman 3", 4.5)
	core := NewSleepBlock(s.ID, 23*60, 2*60+30, true)
	nap := NewSleepBlock(s.ID, 14*60, 14*60+20, false)
	nap.IsDeleted = true
	s.Blocks = []SleepBlock{core, nap}

	live := s.LiveBlocks()
	if len(live) != 1 {
		t.Fatalf("LiveBlocks() returned %d blocks, want 1", len(live))
	}
	if live[0].ID != core.ID {
		t.Errorf("LiveBlocks()[0] = %s, want %s", live[0].ID, core.ID)
	}
}

func TestSleepBlock_OrphanStillValidates(t *testing.T) {
	b := NewSleepBlock("s-1", 0, 90, true)
	b.ScheduleID = nil

	if !b.IsOrphaned() {
		t.Error("IsOrphaned() = false for nil parent")
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate() on orphan failed: %v", err)
	}
}

func TestSleepBlock_DurationWrapsMidnight(t *testing.T) {
	b := NewSleepBlock("s-1", 23*60, 90, true)
	if b.DurationMinutes != 150 {
		t.Errorf("DurationMinutes = %d, want 150", b.DurationMinutes)
	}
}

func TestLegacySleepBlock_Validate(t *testing.T) {
	now := time.Now()
	parent := "s-1"

	valid := LegacySleepBlock{
		ID:              "b-1",
		ScheduleID:      &parent,
		StartTime:       "23:00",
		EndTime:         "01:30",
		DurationMinutes: 150,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	bad := valid
	bad.StartTime = "25:00"
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted hour 25")
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", 0, false},
		{"01:30", 90, false},
		{"23:59", 1439, false},
		{" 14:20 ", 860, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"1230", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() != strings.TrimSpace(tt.in) {
			t.Errorf("TimeOfDay(%d).String() = %q, want %q", got, got.String(), strings.TrimSpace(tt.in))
		}
	}
}

func TestLocalizedText_Resolve(t *testing.T) {
	lt := LocalizedText{
		"en": "Three naps and a core",
		"de": "Drei Nickerchen und ein Kernschlaf",
		"fr": "Trois siestes et un sommeil principal",
	}

	if got := lt.Resolve("de-AT"); got != lt["de"] {
		t.Errorf("Resolve(de-AT) = %q, want German text", got)
	}
	if got := lt.Resolve("ja"); got != lt["en"] {
		t.Errorf("Resolve(ja) = %q, want default English text", got)
	}
	if got := lt.Resolve(); got != lt["en"] {
		t.Errorf("Resolve() = %q, want default English text", got)
	}
	if got := (LocalizedText{}).Resolve("en"); got != "" {
		t.Errorf("empty Resolve() = %q, want empty", got)
	}
}

func TestLocalizedText_BlobRoundTrip(t *testing.T) {
	lt := PlainText("Core plus two naps")
	blob, err := lt.MarshalBlob()
	if err != nil {
		t.Fatalf("MarshalBlob() failed: %v", err)
	}

	parsed, err := ParseLocalizedText(blob)
	if err != nil {
		t.Fatalf("ParseLocalizedText() failed: %v", err)
	}
	if parsed[DefaultLanguage] != "Core plus two naps" {
		t.Errorf("parsed[%s] = %q", DefaultLanguage, parsed[DefaultLanguage])
	}

	if _, err := ParseLocalizedText("{not json"); err == nil {
		t.Error("ParseLocalizedText() accepted invalid JSON")
	}
}

func TestSleepEntry_RateAndFinish(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	e := NewSleepEntry("owner-1", start)

	if e.Date != "2026-03-01" {
		t.Errorf("Date = %q, want 2026-03-01", e.Date)
	}
	if e.IsRated() {
		t.Error("new entry should not be rated")
	}

	if err := e.Rate(6, "😴"); err == nil {
		t.Error("Rate(6) should fail")
	}
	if err := e.Rate(4, "😴"); err != nil {
		t.Fatalf("Rate(4) failed: %v", err)
	}

	e.Finish(start.Add(90 * time.Minute))
	if e.DurationMinutes != 90 {
		t.Errorf("DurationMinutes = %d, want 90", e.DurationMinutes)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestSleepEntry_ValidateRejectsEndBeforeStart(t *testing.T) {
	start := time.Now()
	e := NewSleepEntry("owner-1", start)
	end := start.Add(-time.Hour)
	e.EndedAt = &end

	if err := e.Validate(); err == nil {
		t.Error("Validate() accepted ended_at before started_at")
	}
}

func TestPendingChange_Validate(t *testing.T) {
	p := NewPendingChange(EntitySleepEntry, "e-1", OpCreate, []byte(`{"type":"sleepStarted"}`))
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	p.Operation = "upsert"
	if err := p.Validate(); err == nil {
		t.Error("Validate() accepted unknown operation")
	}

	p.Operation = OpUpdate
	p.Payload = nil
	if err := p.Validate(); err == nil {
		t.Error("Validate() accepted empty payload")
	}
}

func TestPendingChange_RecordAttempt(t *testing.T) {
	p := NewPendingChange(EntitySchedule, "s-1", OpUpdate, []byte("{}"))
	at := time.Now()

	p.RecordAttempt(at, errTest("peer unreachable"))
	if p.Attempts != 1 || p.LastError != "peer unreachable" {
		t.Errorf("after failed attempt: attempts=%d lastError=%q", p.Attempts, p.LastError)
	}

	p.RecordAttempt(at, nil)
	if p.Attempts != 2 || p.LastError != "" {
		t.Errorf("after ok attempt: attempts=%d lastError=%q", p.Attempts, p.LastError)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
