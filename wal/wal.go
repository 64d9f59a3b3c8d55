// Package wal implements the append-only write-ahead log that makes every
// accepted mutation durable before it is applied to the in-memory map.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/nexuskv/core"
)

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	// SyncAlways syncs after every append. This is the mode that provides the
	// documented durability guarantee and is the default.
	SyncAlways SyncMode = "always"
	// SyncDisabled skips syncing entirely (testing/benchmarking only).
	SyncDisabled SyncMode = "disabled"
)

// WAL manages a directory of append-only segment files. Entries are framed
// as crc-checked records; a torn trailing record is detected and discarded
// on replay, never half-applied.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger *slog.Logger

	testingOnlyInjectAppendError error
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	// StartRecoverySeqNum tells the WAL to drop recovered entries with a
	// sequence number at or below this value (already covered by a
	// checkpoint).
	StartRecoverySeqNum uint64
}

// Open creates or opens a WAL directory, replays every valid entry after
// the recovery boundary, and prepares a fresh segment for appending.
func Open(opts Options) (*WAL, []core.WALEntry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = MaxSegmentSize
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	recovered := w.recover(opts.StartRecoverySeqNum)

	if err := w.openForAppend(); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	return w, recovered, nil
}

// loadSegments scans the WAL directory and populates segmentIndexes.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.segmentIndexes = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := core.ParseSegmentFileName(file.Name())
		if err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

// SetTestingOnlyInjectAppendError makes subsequent Append calls fail with err.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// Append durably persists a single entry before returning. A bulk-set entry
// is one record: either the whole record survives a crash or none of it does.
func (w *WAL) Append(entry core.WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return w.testingOnlyInjectAppendError
	}
	if w.activeSegment == nil {
		return errors.New("wal is closed or not open for writing")
	}

	var payload bytes.Buffer
	if err := encodeEntry(&payload, &entry); err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	payloadBytes := payload.Bytes()
	newRecordSize := int64(len(payloadBytes) + 8) // +4 length, +4 checksum

	// Rotate before writing if the segment already holds at least one record
	// and this record would push it past the limit. A single oversized record
	// is still allowed into an empty segment.
	currentSize, err := w.activeSegment.Size()
	if err != nil {
		return fmt.Errorf("could not get active segment size: %w", err)
	}
	headerSize := int64(binary.Size(core.FileHeader{}))
	if currentSize > headerSize && currentSize+newRecordSize > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size", "current_size", currentSize, "new_record_size", newRecordSize)
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payloadBytes); err != nil {
		return err
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(newRecordSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(1)
	}

	if w.opts.SyncMode == SyncAlways {
		return w.activeSegment.Sync()
	}
	return nil
}

// Sync flushes buffered data in the active segment to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Truncate discards entries already reflected in a checkpoint by rotating to
// a fresh segment and deleting all older ones. The caller guarantees (by
// holding the engine's exclusive lock across checkpoint and truncate) that
// every entry in the discarded segments has a sequence number at or below
// upToSeq.
func (w *WAL) Truncate(upToSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return errors.New("wal is closed")
	}
	if err := w.rotateLocked(); err != nil {
		return fmt.Errorf("failed to rotate WAL for truncation: %w", err)
	}

	var remaining []uint64
	var purged int
	for _, index := range w.segmentIndexes {
		if index == w.activeSegment.index {
			remaining = append(remaining, index)
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		if err := os.Remove(path); err != nil {
			w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			remaining = append(remaining, index)
		} else {
			purged++
		}
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("Truncated WAL", "segments_purged", purged, "up_to_seq", upToSeq)
	}
	return nil
}

// Close closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil // Already closed
	}
	closeErr := w.activeSegment.Close()
	w.activeSegment = nil
	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	}
	return closeErr
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// rotateLocked creates a new segment file for writing. Lock must be held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	if w.activeSegment != nil {
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Debug("Rotated to new WAL segment", "index", nextIndex)
	return nil
}

// recover reads all valid entries from all known segments, dropping entries
// at or below startSeqNum. On a detected torn or corrupt record it logs the
// truncation point and stops, returning everything read up to that point;
// recovery never fails the process.
func (w *WAL) recover(startSeqNum uint64) []core.WALEntry {
	var entries []core.WALEntry
	for _, index := range w.segmentIndexes {
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		reader, err := OpenSegmentForRead(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			w.logger.Warn("Recovery stopped: unreadable WAL segment", "path", path, "error", err)
			return entries
		}

		for {
			recordData, err := reader.ReadRecord()
			if err != nil {
				if err == io.EOF {
					break // clean end of this segment
				}
				// Torn tail or checksum failure: keep what was safely
				// persisted and stop here.
				w.logger.Warn("Recovery truncated WAL at corrupt record",
					"segment", index, "entries_recovered", len(entries), "error", err)
				reader.Close()
				return entries
			}

			entry, err := decodeEntry(bytes.NewReader(recordData))
			if err != nil {
				w.logger.Warn("Recovery truncated WAL at undecodable record",
					"segment", index, "entries_recovered", len(entries), "error", err)
				reader.Close()
				return entries
			}
			if entry.SeqNum > startSeqNum {
				entries = append(entries, *entry)
			}
		}
		reader.Close()
	}
	return entries
}

func (w *WAL) openForAppend() error {
	// Appending to a segment that may have a torn tail would bury valid new
	// records behind garbage, so a fresh segment is always started.
	return w.rotateLocked()
}

// encodeEntry serializes a WALEntry into a writer.
func encodeEntry(w io.Writer, entry *core.WALEntry) error {
	if err := binary.Write(w, binary.LittleEndian, entry.EntryType); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.SeqNum); err != nil {
		return err
	}

	if entry.EntryType == core.EntryTypeBulkSet {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(entry.Pairs))); err != nil {
			return err
		}
		for i := range entry.Pairs {
			if err := writeString(w, entry.Pairs[i].Key); err != nil {
				return err
			}
			if err := writeString(w, entry.Pairs[i].Value); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeString(w, entry.Key); err != nil {
		return err
	}
	return writeString(w, entry.Value)
}

// decodeEntry deserializes a WALEntry from a reader.
func decodeEntry(r *bytes.Reader) (*core.WALEntry, error) {
	entry := &core.WALEntry{}
	if err := binary.Read(r, binary.LittleEndian, &entry.EntryType); err != nil {
		return nil, fmt.Errorf("failed to read entry type: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &entry.SeqNum); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}

	switch entry.EntryType {
	case core.EntryTypeBulkSet:
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("failed to read bulk pair count: %w", err)
		}
		entry.Pairs = make([]core.KVPair, 0, count)
		for i := uint32(0); i < count; i++ {
			key, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read bulk pair %d key: %w", i, err)
			}
			value, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read bulk pair %d value: %w", i, err)
			}
			entry.Pairs = append(entry.Pairs, core.KVPair{Key: key, Value: value})
		}
	case core.EntryTypeSet, core.EntryTypeDelete:
		var err error
		if entry.Key, err = readString(r); err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}
		if entry.Value, err = readString(r); err != nil {
			return nil, fmt.Errorf("failed to read value: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown WAL entry type: %q", byte(entry.EntryType))
	}
	return entry, nil
}

func writeString(w io.Writer, s string) error {
	lenBuf := make([]byte, binary.MaxVarintLen32)
	n := binary.PutUvarint(lenBuf, uint64(len(s)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
