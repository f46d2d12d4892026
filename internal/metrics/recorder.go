// Package metrics exposes sync and consistency observability hooks.
package metrics

// Recorder receives observability events from the sync engine. All
// components accept a nil Recorder and substitute NoopRecorder.
type Recorder interface {
	IncMessageSent(kind string)
	IncMessageDropped(kind string)
	IncMessageApplied(kind string)
	IncMessageDuplicate(kind string)
	SetReachable(reachable bool)
	SetPendingChanges(n int)
	IncFlushRetry()
	IncFlushExhausted()
	AddMigrationWrites(n int)
	SetConsistencyIssues(n int)
	SetFallbackStore(active bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncMessageSent(string)      {}
func (NoopRecorder) IncMessageDropped(string)   {}
func (NoopRecorder) IncMessageApplied(string)   {}
func (NoopRecorder) IncMessageDuplicate(string) {}
func (NoopRecorder) SetReachable(bool)          {}
func (NoopRecorder) SetPendingChanges(int)      {}
func (NoopRecorder) IncFlushRetry()             {}
func (NoopRecorder) IncFlushExhausted()         {}
func (NoopRecorder) AddMigrationWrites(int)     {}
func (NoopRecorder) SetConsistencyIssues(int)   {}
func (NoopRecorder) SetFallbackStore(bool)      {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
