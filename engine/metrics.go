package engine

import "expvar"

// EngineMetrics holds the engine's operation counters. The counters are
// plain expvar values, deliberately not auto-published so multiple engine
// instances can coexist in one process (tests, embedded use); the server
// binary publishes them explicitly.
type EngineMetrics struct {
	SetTotal        *expvar.Int
	GetTotal        *expvar.Int
	DeleteTotal     *expvar.Int
	BulkSetTotal    *expvar.Int
	SearchTotal     *expvar.Int
	CheckpointTotal *expvar.Int

	WALBytesWritten   *expvar.Int
	WALEntriesWritten *expvar.Int
}

// NewEngineMetrics creates a zeroed metrics set.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		SetTotal:          new(expvar.Int),
		GetTotal:          new(expvar.Int),
		DeleteTotal:       new(expvar.Int),
		BulkSetTotal:      new(expvar.Int),
		SearchTotal:       new(expvar.Int),
		CheckpointTotal:   new(expvar.Int),
		WALBytesWritten:   new(expvar.Int),
		WALEntriesWritten: new(expvar.Int),
	}
}

// Publish registers the counters with the process-wide expvar registry under
// the given prefix. Call at most once per process.
func (m *EngineMetrics) Publish(prefix string) {
	expvar.Publish(prefix+".set_total", m.SetTotal)
	expvar.Publish(prefix+".get_total", m.GetTotal)
	expvar.Publish(prefix+".delete_total", m.DeleteTotal)
	expvar.Publish(prefix+".bulk_set_total", m.BulkSetTotal)
	expvar.Publish(prefix+".search_total", m.SearchTotal)
	expvar.Publish(prefix+".checkpoint_total", m.CheckpointTotal)
	expvar.Publish(prefix+".wal_bytes_written", m.WALBytesWritten)
	expvar.Publish(prefix+".wal_entries_written", m.WALEntriesWritten)
}
