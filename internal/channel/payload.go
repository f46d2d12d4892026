package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
)

// Payload is the typed content of an envelope.
type Payload interface {
	Kind() Kind
	encode() map[string]string
}

// SleepStarted announces an open sleep session.
type SleepStarted struct {
	EntryID   string
	OwnerID   string
	StartedAt time.Time
	BlockID   *string
}

// SleepEnded announces a finished session. It carries the start as well so
// that a peer which missed SleepStarted can still create the entry.
type SleepEnded struct {
	EntryID   string
	OwnerID   string
	StartedAt time.Time
	EndedAt   time.Time
	BlockID   *string
}

// QualityRated attaches a rating to an entry.
type QualityRated struct {
	EntryID string
	Rating  int
	Emoji   string
}

// ScheduleUpdate carries a whole schedule with its blocks. Schedule must not
// be nil.
type ScheduleUpdate struct {
	Schedule *schema.Schedule
}

// PreferencesUpdate carries an owner's preferences.
type PreferencesUpdate struct {
	OwnerID             string
	ReminderLeadMinutes int
	UpdatedAt           time.Time
}

// SyncRequest asks the peer for its view of an owner's state.
type SyncRequest struct {
	OwnerID string
}

// SyncResponse answers a SyncRequest. Schedule is nil when the owner has no
// active schedule.
type SyncResponse struct {
	OwnerID             string
	Schedule            *schema.Schedule
	ReminderLeadMinutes int
	PendingChanges      int
}

func (SleepStarted) Kind() Kind      { return KindSleepStarted }
func (SleepEnded) Kind() Kind        { return KindSleepEnded }
func (QualityRated) Kind() Kind      { return KindQualityRated }
func (ScheduleUpdate) Kind() Kind    { return KindScheduleUpdate }
func (PreferencesUpdate) Kind() Kind { return KindPreferencesUpdate }
func (SyncRequest) Kind() Kind       { return KindSyncRequest }
func (SyncResponse) Kind() Kind      { return KindSyncResponse }

// ContextKey returns the logical key under which p is replicated durably.
// A later value for the same key supersedes an earlier one. Request and
// response kinds have no key.
func ContextKey(p Payload) string {
	switch v := p.(type) {
	case SleepStarted:
		return "entry:" + v.EntryID
	case SleepEnded:
		return "entry:" + v.EntryID
	case QualityRated:
		return "entry:" + v.EntryID + ":rating"
	case ScheduleUpdate:
		return "schedule:" + v.Schedule.ID
	case PreferencesUpdate:
		return "preferences:" + v.OwnerID
	}
	return ""
}

const timeLayout = time.RFC3339Nano

func (p SleepStarted) encode() map[string]string {
	m := map[string]string{
		"entryId":   p.EntryID,
		"ownerId":   p.OwnerID,
		"startedAt": p.StartedAt.UTC().Format(timeLayout),
	}
	if p.BlockID != nil {
		m["blockId"] = *p.BlockID
	}
	return m
}

func (p SleepEnded) encode() map[string]string {
	m := map[string]string{
		"entryId":   p.EntryID,
		"ownerId":   p.OwnerID,
		"startedAt": p.StartedAt.UTC().Format(timeLayout),
		"endedAt":   p.EndedAt.UTC().Format(timeLayout),
	}
	if p.BlockID != nil {
		m["blockId"] = *p.BlockID
	}
	return m
}

func (p QualityRated) encode() map[string]string {
	return map[string]string{
		"entryId": p.EntryID,
		"rating":  strconv.Itoa(p.Rating),
		"emoji":   p.Emoji,
	}
}

func (p ScheduleUpdate) encode() map[string]string {
	// Schedule holds only JSON-safe fields.
	blob, _ := json.Marshal(p.Schedule)
	return map[string]string{
		"scheduleId": p.Schedule.ID,
		"updatedAt":  p.Schedule.UpdatedAt.UTC().Format(timeLayout),
		"schedule":   string(blob),
	}
}

func (p PreferencesUpdate) encode() map[string]string {
	return map[string]string{
		"ownerId":             p.OwnerID,
		"reminderLeadMinutes": strconv.Itoa(p.ReminderLeadMinutes),
		"updatedAt":           p.UpdatedAt.UTC().Format(timeLayout),
	}
}

func (p SyncRequest) encode() map[string]string {
	return map[string]string{"ownerId": p.OwnerID}
}

func (p SyncResponse) encode() map[string]string {
	m := map[string]string{
		"ownerId":             p.OwnerID,
		"reminderLeadMinutes": strconv.Itoa(p.ReminderLeadMinutes),
		"pendingChanges":      strconv.Itoa(p.PendingChanges),
		"hasSchedule":         strconv.FormatBool(p.Schedule != nil),
	}
	if p.Schedule != nil {
		blob, _ := json.Marshal(p.Schedule)
		m["schedule"] = string(blob)
	}
	return m
}

// fields reads typed values out of a wire map, keeping the first error.
type fields struct {
	m   map[string]string
	err error
}

func (f *fields) fail(key, format string, args ...any) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: field %q: %s", ErrMalformedEnvelope, key, fmt.Sprintf(format, args...))
	}
}

func (f *fields) str(key string) string {
	v, ok := f.m[key]
	if !ok || v == "" {
		f.fail(key, "missing")
	}
	return v
}

func (f *fields) optStr(key string) *string {
	v, ok := f.m[key]
	if !ok || v == "" {
		return nil
	}
	return &v
}

func (f *fields) integer(key string) int {
	v, err := strconv.Atoi(f.m[key])
	if err != nil {
		f.fail(key, "not an integer: %q", f.m[key])
	}
	return v
}

func (f *fields) boolean(key string) bool {
	v, err := strconv.ParseBool(f.m[key])
	if err != nil {
		f.fail(key, "not a boolean: %q", f.m[key])
	}
	return v
}

func (f *fields) time(key string) time.Time {
	v, err := time.Parse(timeLayout, f.m[key])
	if err != nil {
		f.fail(key, "not a timestamp: %q", f.m[key])
	}
	return v.UTC()
}

func (f *fields) schedule(key string) *schema.Schedule {
	var s schema.Schedule
	if err := json.Unmarshal([]byte(f.str(key)), &s); err != nil {
		f.fail(key, "%v", err)
		return nil
	}
	if err := s.Validate(); err != nil {
		f.fail(key, "%v", err)
		return nil
	}
	return &s
}

func decodePayload(kind Kind, data map[string]string) (Payload, error) {
	f := &fields{m: data}
	var p Payload

	switch kind {
	case KindSleepStarted:
		p = SleepStarted{
			EntryID:   f.str("entryId"),
			OwnerID:   f.str("ownerId"),
			StartedAt: f.time("startedAt"),
			BlockID:   f.optStr("blockId"),
		}
	case KindSleepEnded:
		p = SleepEnded{
			EntryID:   f.str("entryId"),
			OwnerID:   f.str("ownerId"),
			StartedAt: f.time("startedAt"),
			EndedAt:   f.time("endedAt"),
			BlockID:   f.optStr("blockId"),
		}
	case KindQualityRated:
		p = QualityRated{
			EntryID: f.str("entryId"),
			Rating:  f.integer("rating"),
			Emoji:   data["emoji"],
		}
	case KindScheduleUpdate:
		p = ScheduleUpdate{Schedule: f.schedule("schedule")}
	case KindPreferencesUpdate:
		p = PreferencesUpdate{
			OwnerID:             f.str("ownerId"),
			ReminderLeadMinutes: f.integer("reminderLeadMinutes"),
			UpdatedAt:           f.time("updatedAt"),
		}
	case KindSyncRequest:
		p = SyncRequest{OwnerID: f.str("ownerId")}
	case KindSyncResponse:
		resp := SyncResponse{
			OwnerID:             f.str("ownerId"),
			ReminderLeadMinutes: f.integer("reminderLeadMinutes"),
			PendingChanges:      f.integer("pendingChanges"),
		}
		if f.boolean("hasSchedule") {
			resp.Schedule = f.schedule("schedule")
		}
		p = resp
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if f.err != nil {
		return nil, f.err
	}
	return p, nil
}
