// Package wire defines the closed JSON message set spoken on the TCP port:
// client commands and the cluster-internal heartbeat, vote, and replicate
// messages. One JSON object per line, in both directions.
package wire

import (
	"fmt"

	"github.com/INLOpen/nexuskv/core"
)

// Command is a client-facing command tag.
type Command string

const (
	CmdSet           Command = "set"
	CmdGet           Command = "get"
	CmdDelete        Command = "delete"
	CmdBulkSet       Command = "bulk_set"
	CmdSearchText    Command = "search_text"
	CmdSearchSimilar Command = "search_similar"
	CmdGetAllKeys    Command = "get_all_keys"
)

// MessageType is a cluster-internal message tag. Internal messages travel on
// the same listener as client commands and are discriminated by the "type"
// field instead of "command".
type MessageType string

const (
	MsgHeartbeat    MessageType = "heartbeat"
	MsgVoteRequest  MessageType = "vote_request"
	MsgVoteResponse MessageType = "vote_response"
	MsgReplicate    MessageType = "replicate"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the union of every inbound message. Exactly one of Command or
// Type is set; the handler dispatches on whichever is present and rejects
// anything outside the closed set.
type Request struct {
	Command Command     `json:"command,omitempty"`
	Type    MessageType `json:"type,omitempty"`

	// Client command fields.
	Key   string      `json:"key,omitempty"`
	Value string      `json:"value,omitempty"`
	Items [][2]string `json:"items,omitempty"`
	Query string      `json:"query,omitempty"`
	TopK  int         `json:"top_k,omitempty"`

	// Cluster message fields.
	Term        uint64        `json:"term,omitempty"`
	LeaderID    string        `json:"leader_id,omitempty"`
	CandidateID string        `json:"candidate_id,omitempty"`
	LastSeq     uint64        `json:"last_seq,omitempty"`
	Seq         uint64        `json:"seq,omitempty"`
	Entry       *EntryMessage `json:"entry,omitempty"`
}

// Response is the union of every outbound message.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	// Client command fields.
	Value   string         `json:"value,omitempty"`
	Found   bool           `json:"found,omitempty"`
	Keys    []string       `json:"keys,omitempty"`
	Results []ScoredResult `json:"results,omitempty"`

	// Hint for clients that hit a secondary with a mutation.
	LeaderID string `json:"leader_id,omitempty"`

	// Cluster message fields.
	Term    uint64 `json:"term,omitempty"`
	Granted bool   `json:"granted,omitempty"`
	VoterID string `json:"voter_id,omitempty"`
	// NextSeq is the sequence number the follower expects next; a value
	// below seq+1 signals a gap and asks the primary to rewind.
	NextSeq uint64 `json:"next_seq,omitempty"`
}

// ScoredResult is one similarity search hit on the wire.
type ScoredResult struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// EntryMessage is the wire form of a core.WALEntry inside a replicate
// message.
type EntryMessage struct {
	SeqNum uint64      `json:"seq_num"`
	Op     string      `json:"op"`
	Key    string      `json:"key,omitempty"`
	Value  string      `json:"value,omitempty"`
	Items  [][2]string `json:"items,omitempty"`
}

// NewEntryMessage converts a WAL entry to its wire form.
func NewEntryMessage(entry core.WALEntry) *EntryMessage {
	msg := &EntryMessage{
		SeqNum: entry.SeqNum,
		Key:    entry.Key,
		Value:  entry.Value,
	}
	switch entry.EntryType {
	case core.EntryTypeSet:
		msg.Op = "set"
	case core.EntryTypeDelete:
		msg.Op = "delete"
	case core.EntryTypeBulkSet:
		msg.Op = "bulk_set"
		msg.Items = make([][2]string, len(entry.Pairs))
		for i, p := range entry.Pairs {
			msg.Items[i] = [2]string{p.Key, p.Value}
		}
	}
	return msg
}

// ToWALEntry converts the wire form back to a WAL entry.
func (m *EntryMessage) ToWALEntry() (core.WALEntry, error) {
	entry := core.WALEntry{
		SeqNum: m.SeqNum,
		Key:    m.Key,
		Value:  m.Value,
	}
	switch m.Op {
	case "set":
		entry.EntryType = core.EntryTypeSet
	case "delete":
		entry.EntryType = core.EntryTypeDelete
	case "bulk_set":
		entry.EntryType = core.EntryTypeBulkSet
		entry.Pairs = make([]core.KVPair, len(m.Items))
		for i, item := range m.Items {
			entry.Pairs[i] = core.KVPair{Key: item[0], Value: item[1]}
		}
	default:
		return core.WALEntry{}, fmt.Errorf("%w: entry op %q", ErrUnknownMessage, m.Op)
	}
	return entry, nil
}

// OKResponse is the plain success reply.
func OKResponse() Response {
	return Response{Status: StatusOK}
}

// ErrorResponse wraps an error message in an error reply.
func ErrorResponse(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}
