package replication

import (
	"context"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
)

// maxPendingEntries bounds the out-of-order buffer. Entries beyond the cap
// are dropped; the primary retransmits once the gap ack reaches it.
const maxPendingEntries = 1024

// Applier enforces in-order application of replicated entries on a
// secondary. Entries arriving ahead of the expected sequence are buffered;
// duplicates are dropped; every call reports the next sequence number the
// node expects, which doubles as the gap-retransmission signal.
type Applier struct {
	mu      sync.Mutex
	eng     engine.StorageEngineInterface
	logger  *slog.Logger
	pending map[uint64]core.WALEntry
}

// NewApplier creates an applier over the local engine.
func NewApplier(eng engine.StorageEngineInterface, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		eng:     eng,
		logger:  logger.With("component", "ReplicationApplier"),
		pending: make(map[uint64]core.WALEntry),
	}
}

// Apply handles one replicated entry. It returns the sequence number the
// node expects next; a value at or below the received entry's sequence tells
// the primary to rewind.
func (a *Applier) Apply(ctx context.Context, entry core.WALEntry) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	expected := a.eng.LastSeqNum() + 1
	switch {
	case entry.SeqNum < expected:
		// Duplicate delivery after a primary retry.
		return expected, nil
	case entry.SeqNum > expected:
		if len(a.pending) < maxPendingEntries {
			a.pending[entry.SeqNum] = entry
		}
		a.logger.Debug("Buffered out-of-order replicated entry",
			"seq", entry.SeqNum, "expected", expected)
		return expected, nil
	}

	if err := a.eng.ApplyReplicated(ctx, entry); err != nil {
		return expected, err
	}

	// Drain any buffered entries that became consecutive.
	next := entry.SeqNum + 1
	for {
		buffered, ok := a.pending[next]
		if !ok {
			break
		}
		delete(a.pending, next)
		if err := a.eng.ApplyReplicated(ctx, buffered); err != nil {
			return next, err
		}
		next++
	}
	return next, nil
}

// PendingCount reports how many out-of-order entries are buffered.
func (a *Applier) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
