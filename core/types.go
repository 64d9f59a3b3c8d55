package core

// EntryType defines the type of an entry in the WAL.
type EntryType byte

const (
	// EntryTypeSet represents a single key-value write.
	EntryTypeSet EntryType = 'S'
	// EntryTypeDelete represents a point deletion of a single key.
	EntryTypeDelete EntryType = 'D'
	// EntryTypeBulkSet represents an atomic multi-pair write. All pairs share
	// one sequence number and are recovered all-or-nothing.
	EntryTypeBulkSet EntryType = 'B'
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeSet:
		return "set"
	case EntryTypeDelete:
		return "delete"
	case EntryTypeBulkSet:
		return "bulk_set"
	default:
		return "unknown"
	}
}

// KVPair is a single key-value pair inside a bulk-set entry.
type KVPair struct {
	Key   string
	Value string
}

// WALEntry is one logical mutation as recorded in the write-ahead log.
// The sequence number is the single source of truth for global write order,
// including the order secondaries must apply replicated entries.
type WALEntry struct {
	SeqNum    uint64
	EntryType EntryType

	// Key/Value are set for EntryTypeSet and EntryTypeDelete.
	Key   string
	Value string

	// Pairs is set for EntryTypeBulkSet.
	Pairs []KVPair
}

// Snapshot is a full point-in-time copy of the key-value map together with
// the WAL sequence number it reflects.
type Snapshot struct {
	SeqNum uint64
	Data   map[string]string
}

// ReplicationLogEntry is a committed WAL entry annotated with the term and
// identity of the primary that produced it, as exchanged between nodes.
type ReplicationLogEntry struct {
	Term     uint64
	LeaderID string
	Entry    WALEntry
}
