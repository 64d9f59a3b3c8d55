// Package engine implements the storage engine: it owns the in-memory
// key-value map, serializes mutations through one exclusive lock around
// "WAL append + map mutation + index update", and coordinates checkpointing
// and crash recovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexuskv/checkpoint"
	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/hooks"
	"github.com/INLOpen/nexuskv/index"
	"github.com/INLOpen/nexuskv/sys"
	"github.com/INLOpen/nexuskv/wal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrEngineClosed         = errors.New("engine is closed or not started")
	ErrEngineAlreadyStarted = errors.New("engine is already started")
)

// StorageEngineOptions configures a storage engine instance.
type StorageEngineOptions struct {
	DataDir string

	// CheckpointInterval enables the periodic checkpoint loop when > 0.
	CheckpointInterval time.Duration

	WALSyncMode       wal.SyncMode
	WALMaxSegmentSize int64

	// LockStaleTTL controls when an orphaned data-directory lock may be
	// broken. Zero means sys.DefaultLockStaleTTL.
	LockStaleTTL time.Duration

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager
	Metrics        *EngineMetrics

	// Compressor encodes checkpoint snapshots. Defaults to snappy.
	Compressor core.Compressor

	TestingOnlyInjectCheckpointError error
}

type storageEngine struct {
	opts StorageEngineOptions

	// mu serializes all mutations; readers share it. A mutation admitted to
	// the lock always runs to completion, which makes it atomic with respect
	// to client cancellation.
	mu   sync.RWMutex
	data map[string]string

	// seqNum is the last applied sequence number; guarded by mu for writes.
	seqNum uint64

	wal        *wal.WAL
	idx        *index.Manager
	hookMgr    hooks.HookManager
	metrics    *EngineMetrics
	logger     *slog.Logger
	tracer     trace.Tracer
	compressor core.Compressor

	releaseLock func() error

	isStarted    atomic.Bool
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

var _ StorageEngineInterface = (*storageEngine)(nil)

// NewStorageEngine creates an engine for the given options. Call Start
// before use.
func NewStorageEngine(opts StorageEngineOptions) (StorageEngineInterface, error) {
	if opts.DataDir == "" {
		return nil, errors.New("engine: DataDir is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewEngineMetrics()
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewSnappyCompressor()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	e := &storageEngine{
		opts:         opts,
		data:         make(map[string]string),
		idx:          index.NewManager(opts.Logger),
		hookMgr:      opts.HookManager,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "StorageEngine"),
		tracer:       tp.Tracer("github.com/INLOpen/nexuskv/engine"),
		compressor:   opts.Compressor,
		shutdownChan: make(chan struct{}),
	}
	return e, nil
}

// Start acquires the directory lock, recovers persisted state, rebuilds the
// derived indexes, and launches the periodic checkpoint loop.
func (e *storageEngine) Start(ctx context.Context) error {
	if e.isStarted.Load() {
		return ErrEngineAlreadyStarted
	}

	if err := os.MkdirAll(e.opts.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", e.opts.DataDir, err)
	}

	staleTTL := e.opts.LockStaleTTL
	if staleTTL == 0 {
		staleTTL = sys.DefaultLockStaleTTL
	}
	release, err := sys.AcquireFileLock(filepath.Join(e.opts.DataDir, core.LockFileName), staleTTL)
	if err != nil {
		return err
	}
	e.releaseLock = release

	if err := e.recover(ctx); err != nil {
		e.releaseLock()
		return err
	}

	if e.opts.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointLoop()
	}

	e.isStarted.Store(true)
	e.logger.Info("Storage engine started", "data_dir", e.opts.DataDir, "last_seq", e.seqNum)
	return nil
}

// recover loads the latest checkpoint, replays WAL entries written after it,
// rebuilds the indexes from the resulting map, and re-checkpoints so the WAL
// is truncated to the new boundary.
func (e *storageEngine) recover(ctx context.Context) error {
	snap, found, err := checkpoint.Load(e.opts.DataDir)
	if err != nil {
		// A torn checkpoint cannot happen through the atomic-rename path, so
		// corruption here means the medium lost an acknowledged write.
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	w, recovered, err := wal.Open(wal.Options{
		Dir:                 filepath.Join(e.opts.DataDir, core.WALDirName),
		SyncMode:            e.opts.WALSyncMode,
		MaxSegmentSize:      e.opts.WALMaxSegmentSize,
		BytesWritten:        e.metrics.WALBytesWritten,
		EntriesWritten:      e.metrics.WALEntriesWritten,
		Logger:              e.opts.Logger,
		StartRecoverySeqNum: snap.SeqNum,
	})
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	e.wal = w

	e.mu.Lock()
	e.data = snap.Data
	e.seqNum = snap.SeqNum
	for i := range recovered {
		e.applyToMapLocked(&recovered[i])
		if recovered[i].SeqNum > e.seqNum {
			e.seqNum = recovered[i].SeqNum
		}
	}
	e.idx.Rebuild(e.data)

	// Replayed entries are folded into a fresh checkpoint so a second
	// recovery starts from the same boundary.
	if len(recovered) > 0 {
		if err := e.checkpointLocked(ctx); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to checkpoint after recovery: %w", err)
		}
	}
	e.mu.Unlock()

	e.logger.Info("Recovery complete",
		"checkpoint_found", found,
		"checkpoint_seq", snap.SeqNum,
		"entries_replayed", len(recovered),
		"last_seq", e.seqNum)
	e.triggerHook(ctx, hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		CheckpointSeqNum: snap.SeqNum,
		EntriesReplayed:  len(recovered),
	}))
	return nil
}

func (e *storageEngine) Get(ctx context.Context, key string) (string, error) {
	if !e.isStarted.Load() {
		return "", ErrEngineClosed
	}
	_, span := e.tracer.Start(ctx, "StorageEngine.Get")
	defer span.End()

	e.mu.RLock()
	value, ok := e.data[key]
	e.mu.RUnlock()

	e.metrics.GetTotal.Add(1)
	if !ok {
		return "", core.ErrNotFound
	}
	return value, nil
}

func (e *storageEngine) Set(ctx context.Context, key, value string) error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.Set")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := core.WALEntry{
		SeqNum:    e.seqNum + 1,
		EntryType: core.EntryTypeSet,
		Key:       key,
		Value:     value,
	}
	if err := e.wal.Append(entry); err != nil {
		return &core.DurabilityError{Op: "wal append", Err: err}
	}
	e.applyCommittedLocked(&entry)
	e.seqNum = entry.SeqNum
	e.metrics.SetTotal.Add(1)

	e.triggerHook(ctx, hooks.NewPostCommitEvent(hooks.PostCommitPayload{Entry: entry}))
	return nil
}

func (e *storageEngine) Delete(ctx context.Context, key string) error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.Delete")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.data[key]; !ok {
		// Deleting an absent key is a successful no-op; nothing reaches the
		// WAL and secondaries never hear about it.
		return nil
	}

	entry := core.WALEntry{
		SeqNum:    e.seqNum + 1,
		EntryType: core.EntryTypeDelete,
		Key:       key,
	}
	if err := e.wal.Append(entry); err != nil {
		return &core.DurabilityError{Op: "wal append", Err: err}
	}
	e.applyCommittedLocked(&entry)
	e.seqNum = entry.SeqNum
	e.metrics.DeleteTotal.Add(1)

	e.triggerHook(ctx, hooks.NewPostCommitEvent(hooks.PostCommitPayload{Entry: entry}))
	return nil
}

func (e *storageEngine) BulkSet(ctx context.Context, pairs []core.KVPair) error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	if len(pairs) == 0 {
		return nil
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.BulkSet",
		trace.WithAttributes(attribute.Int("kv.pairs", len(pairs))))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := core.WALEntry{
		SeqNum:    e.seqNum + 1,
		EntryType: core.EntryTypeBulkSet,
		Pairs:     pairs,
	}
	// One WAL record covers every pair: a crash before it is durable leaves
	// none of them applied after recovery.
	if err := e.wal.Append(entry); err != nil {
		return &core.DurabilityError{Op: "wal append", Err: err}
	}
	e.applyCommittedLocked(&entry)
	e.seqNum = entry.SeqNum
	e.metrics.BulkSetTotal.Add(1)

	e.triggerHook(ctx, hooks.NewPostCommitEvent(hooks.PostCommitPayload{Entry: entry}))
	return nil
}

func (e *storageEngine) GetAllKeys(ctx context.Context) []string {
	if !e.isStarted.Load() {
		return nil
	}
	e.mu.RLock()
	keys := make([]string, 0, len(e.data))
	for key := range e.data {
		keys = append(keys, key)
	}
	e.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (e *storageEngine) SearchText(ctx context.Context, queryWords []string) []string {
	_, span := e.tracer.Start(ctx, "StorageEngine.SearchText")
	defer span.End()
	e.metrics.SearchTotal.Add(1)
	return e.idx.SearchText(queryWords)
}

func (e *storageEngine) SearchSimilar(ctx context.Context, queryText string, topK int) []index.ScoredKey {
	_, span := e.tracer.Start(ctx, "StorageEngine.SearchSimilar",
		trace.WithAttributes(attribute.Int("kv.top_k", topK)))
	defer span.End()
	e.metrics.SearchTotal.Add(1)
	return e.idx.SearchSimilar(queryText, topK)
}

// ApplyReplicated routes a replicated entry through the same durability path
// a local write takes, preserving the primary's sequence number.
func (e *storageEngine) ApplyReplicated(ctx context.Context, entry core.WALEntry) error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry.SeqNum <= e.seqNum {
		e.logger.Debug("Ignoring already-applied replicated entry", "seq", entry.SeqNum, "local_seq", e.seqNum)
		return nil
	}
	if err := e.wal.Append(entry); err != nil {
		return &core.DurabilityError{Op: "wal append", Err: err}
	}
	e.applyCommittedLocked(&entry)
	e.seqNum = entry.SeqNum
	return nil
}

func (e *storageEngine) Checkpoint(ctx context.Context) error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.Checkpoint")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked(ctx)
}

func (e *storageEngine) LastSeqNum() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seqNum
}

// Close takes a final checkpoint, closes the WAL, and releases the data
// directory lock.
func (e *storageEngine) Close(ctx context.Context) error {
	if !e.isStarted.CompareAndSwap(true, false) {
		return nil
	}
	close(e.shutdownChan)
	e.wg.Wait()

	e.mu.Lock()
	if err := e.checkpointLocked(ctx); err != nil {
		e.logger.Error("Final checkpoint failed during close", "error", err)
	}
	e.mu.Unlock()

	var firstErr error
	if err := e.wal.Close(); err != nil {
		firstErr = err
	}
	if e.releaseLock != nil {
		if err := e.releaseLock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.logger.Info("Storage engine closed")
	return firstErr
}

// CloseTestingOnlySimulateCrash releases file handles and the directory lock
// without checkpointing or flushing anything beyond what individual appends
// already made durable. It approximates an abrupt process termination for
// recovery tests within a single process.
func (e *storageEngine) CloseTestingOnlySimulateCrash() {
	if !e.isStarted.CompareAndSwap(true, false) {
		return
	}
	close(e.shutdownChan)
	e.wg.Wait()
	e.wal.Close()
	if e.releaseLock != nil {
		e.releaseLock()
	}
}

// checkpointLocked snapshots the map and last sequence number, persists the
// snapshot, and truncates the WAL. Running under the exclusive lock keeps
// the snapshot consistent with the WAL boundary. mu must be held.
func (e *storageEngine) checkpointLocked(ctx context.Context) error {
	if inj := e.opts.TestingOnlyInjectCheckpointError; inj != nil {
		return &core.DurabilityError{Op: "checkpoint", Err: inj}
	}

	snap := core.Snapshot{
		SeqNum: e.seqNum,
		Data:   make(map[string]string, len(e.data)),
	}
	for k, v := range e.data {
		snap.Data[k] = v
	}

	if err := checkpoint.Save(e.opts.DataDir, snap, e.compressor); err != nil {
		return &core.DurabilityError{Op: "checkpoint", Err: err}
	}
	if err := e.wal.Truncate(snap.SeqNum); err != nil {
		return fmt.Errorf("failed to truncate WAL after checkpoint: %w", err)
	}
	e.metrics.CheckpointTotal.Add(1)
	e.logger.Debug("Checkpoint persisted", "seq", snap.SeqNum, "keys", len(snap.Data))

	e.triggerHook(ctx, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{SeqNum: snap.SeqNum}))
	return nil
}

func (e *storageEngine) checkpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownChan:
			return
		case <-ticker.C:
			if err := e.Checkpoint(context.Background()); err != nil && !errors.Is(err, ErrEngineClosed) {
				e.logger.Error("Periodic checkpoint failed", "error", err)
			}
		}
	}
}

// applyCommittedLocked applies an entry to the map and keeps the derived
// indexes synchronized. mu must be held exclusively.
func (e *storageEngine) applyCommittedLocked(entry *core.WALEntry) {
	switch entry.EntryType {
	case core.EntryTypeSet:
		e.setOneLocked(entry.Key, entry.Value)
	case core.EntryTypeDelete:
		if old, ok := e.data[entry.Key]; ok {
			delete(e.data, entry.Key)
			e.idx.OnMutation(entry.Key, &old, nil)
		}
	case core.EntryTypeBulkSet:
		// The whole batch reaches the index under one index write lock, so a
		// concurrent search never observes a partially-applied bulk write.
		muts := make([]index.Mutation, 0, len(entry.Pairs))
		for i := range entry.Pairs {
			pair := entry.Pairs[i]
			var oldPtr *string
			if old, ok := e.data[pair.Key]; ok {
				old := old
				oldPtr = &old
			}
			e.data[pair.Key] = pair.Value
			value := pair.Value
			muts = append(muts, index.Mutation{Key: pair.Key, OldValue: oldPtr, NewValue: &value})
		}
		e.idx.OnBatch(muts)
	}
}

func (e *storageEngine) setOneLocked(key, value string) {
	var oldPtr *string
	if old, ok := e.data[key]; ok {
		oldPtr = &old
	}
	e.data[key] = value
	e.idx.OnMutation(key, oldPtr, &value)
}

// applyToMapLocked applies a recovered entry to the map only; indexes are
// rebuilt in one pass after replay.
func (e *storageEngine) applyToMapLocked(entry *core.WALEntry) {
	switch entry.EntryType {
	case core.EntryTypeSet:
		e.data[entry.Key] = entry.Value
	case core.EntryTypeDelete:
		delete(e.data, entry.Key)
	case core.EntryTypeBulkSet:
		for i := range entry.Pairs {
			e.data[entry.Pairs[i].Key] = entry.Pairs[i].Value
		}
	}
}

func (e *storageEngine) triggerHook(ctx context.Context, event hooks.HookEvent) {
	if e.hookMgr != nil {
		e.hookMgr.Trigger(ctx, event)
	}
}
