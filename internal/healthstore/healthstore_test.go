package healthstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_RequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(false)
	start := time.Date(2026, 4, 1, 23, 0, 0, 0, time.UTC)
	iv := Interval{Start: start, End: start.Add(90 * time.Minute)}

	if err := m.Save(ctx, iv, KindCore); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Save() before authorization error = %v, want ErrNotAuthorized", err)
	}

	ok, err := m.RequestAuthorization(ctx)
	if err != nil || !ok {
		t.Fatalf("RequestAuthorization() = %v, %v", ok, err)
	}
	if err := m.Save(ctx, iv, KindCore); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := m.Fetch(ctx, Interval{Start: start.Add(-time.Hour), End: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindCore {
		t.Errorf("Fetch() = %+v", got)
	}
}

func TestMemory_Deny(t *testing.T) {
	m := NewMemory(true)
	ok, err := m.RequestAuthorization(context.Background())
	if err != nil {
		t.Fatalf("RequestAuthorization() failed: %v", err)
	}
	if ok {
		t.Error("RequestAuthorization() = true for denying store")
	}
}

func TestInterval_Validate(t *testing.T) {
	now := time.Now()
	if err := (Interval{Start: now, End: now}).Validate(); err == nil {
		t.Error("empty interval accepted")
	}
	if err := (Interval{Start: now, End: now.Add(time.Minute)}).Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}
