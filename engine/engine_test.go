package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/wal"
)

// crasher is the crash-simulation seam tests use to drop an engine without a
// clean shutdown.
type crasher interface {
	CloseTestingOnlySimulateCrash()
}

func newTestEngine(t *testing.T, dataDir string) StorageEngineInterface {
	t.Helper()
	eng, err := NewStorageEngine(StorageEngineOptions{
		DataDir:     dataDir,
		WALSyncMode: wal.SyncAlways,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	return eng
}

func crash(t *testing.T, eng StorageEngineInterface) {
	t.Helper()
	c, ok := eng.(crasher)
	require.True(t, ok, "engine must support crash simulation")
	c.CloseTestingOnlySimulateCrash()
}

func TestEngine_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, t.TempDir())
	defer eng.Close(ctx)

	require.NoError(t, eng.Set(ctx, "k1", "v1"))
	value, err := eng.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", value)

	require.NoError(t, eng.Set(ctx, "k1", "v2"))
	value, err = eng.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)

	require.NoError(t, eng.Delete(ctx, "k1"))
	_, err = eng.Get(ctx, "k1")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_DeleteAbsentKeyIsNoOp(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, t.TempDir())
	defer eng.Close(ctx)

	require.NoError(t, eng.Set(ctx, "k", "v"))
	seqBefore := eng.LastSeqNum()

	require.NoError(t, eng.Delete(ctx, "never-existed"))
	assert.Equal(t, seqBefore, eng.LastSeqNum(), "no-op delete must not consume a sequence number")
}

func TestEngine_DurabilityAcrossCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newTestEngine(t, dir)
	require.NoError(t, eng.Set(ctx, "k1", "v1"))
	require.NoError(t, eng.Set(ctx, "k2", "v2"))
	require.NoError(t, eng.Delete(ctx, "k1"))
	crash(t, eng)

	eng2 := newTestEngine(t, dir)
	defer eng2.Close(ctx)

	_, err := eng2.Get(ctx, "k1")
	require.ErrorIs(t, err, core.ErrNotFound)
	value, err := eng2.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
}

func TestEngine_DurabilityAcrossCleanClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newTestEngine(t, dir)
	require.NoError(t, eng.Set(ctx, "k", "v"))
	require.NoError(t, eng.Close(ctx))

	eng2 := newTestEngine(t, dir)
	defer eng2.Close(ctx)
	value, err := eng2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestEngine_BulkSetAllOrNothingOnTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newTestEngine(t, dir)
	require.NoError(t, eng.Set(ctx, "base", "kept"))

	pairs := make([]core.KVPair, 50)
	for i := range pairs {
		pairs[i] = core.KVPair{Key: fmt.Sprintf("bulk%02d", i), Value: "v"}
	}
	require.NoError(t, eng.BulkSet(ctx, pairs))
	crash(t, eng)

	// Tear the tail of the segment holding the bulk record.
	tornSegment := lastSegmentPath(t, dir)
	info, err := os.Stat(tornSegment)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(tornSegment, info.Size()-10))

	eng2 := newTestEngine(t, dir)
	defer eng2.Close(ctx)

	value, err := eng2.Get(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, "kept", value)
	for i := range pairs {
		_, err := eng2.Get(ctx, pairs[i].Key)
		assert.ErrorIs(t, err, core.ErrNotFound, "pair %d must not survive the torn record", i)
	}
}

func TestEngine_BulkSetVisibleAfterCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	pairs := []core.KVPair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}
	eng := newTestEngine(t, dir)
	require.NoError(t, eng.BulkSet(ctx, pairs))
	crash(t, eng)

	eng2 := newTestEngine(t, dir)
	defer eng2.Close(ctx)
	for _, p := range pairs {
		value, err := eng2.Get(ctx, p.Key)
		require.NoError(t, err)
		assert.Equal(t, p.Value, value)
	}
}

func TestEngine_RecoveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newTestEngine(t, dir)
	require.NoError(t, eng.Set(ctx, "k1", "v1"))
	require.NoError(t, eng.BulkSet(ctx, []core.KVPair{{Key: "k2", Value: "v2"}, {Key: "k3", Value: "v3"}}))
	require.NoError(t, eng.Delete(ctx, "k1"))
	crash(t, eng)

	eng2 := newTestEngine(t, dir)
	keys2 := eng2.GetAllKeys(ctx)
	seq2 := eng2.LastSeqNum()
	search2 := eng2.SearchText(ctx, []string{"v2"})
	crash(t, eng2)

	eng3 := newTestEngine(t, dir)
	defer eng3.Close(ctx)
	assert.Equal(t, keys2, eng3.GetAllKeys(ctx))
	assert.Equal(t, seq2, eng3.LastSeqNum())
	assert.Equal(t, search2, eng3.SearchText(ctx, []string{"v2"}))
}

func TestEngine_CheckpointBoundsReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newTestEngine(t, dir)
	require.NoError(t, eng.Set(ctx, "before", "1"))
	require.NoError(t, eng.Checkpoint(ctx))
	require.NoError(t, eng.Set(ctx, "after", "2"))
	crash(t, eng)

	eng2 := newTestEngine(t, dir)
	defer eng2.Close(ctx)
	for _, key := range []string{"before", "after"} {
		_, err := eng2.Get(ctx, key)
		require.NoError(t, err, "key %s must survive", key)
	}
	assert.Equal(t, uint64(2), eng2.LastSeqNum())
}

func TestEngine_GetAllKeysSorted(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, t.TempDir())
	defer eng.Close(ctx)

	for _, k := range []string{"zebra", "apple", "mango"} {
		require.NoError(t, eng.Set(ctx, k, "v"))
	}
	keys := eng.GetAllKeys(ctx)
	assert.Equal(t, []string{"apple", "mango", "zebra"}, keys)
	assert.True(t, sort.StringsAreSorted(keys))
}

func TestEngine_SearchEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, t.TempDir())
	defer eng.Close(ctx)

	require.NoError(t, eng.Set(ctx, "doc1", "the quick brown fox"))
	require.NoError(t, eng.Set(ctx, "doc2", "the lazy dog"))

	assert.Equal(t, []string{"doc2"}, eng.SearchText(ctx, []string{"lazy"}))
	assert.Equal(t, []string{"doc1", "doc2"}, eng.SearchText(ctx, []string{"the"}))

	results := eng.SearchSimilar(ctx, "quick brown fox", 2)
	require.Len(t, results, 2)
	assert.Equal(t, "doc1", results[0].Key)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestEngine_IndexConsistentAfterDeleteAndRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newTestEngine(t, dir)
	require.NoError(t, eng.Set(ctx, "doc1", "unique marker phrase"))
	require.NoError(t, eng.Delete(ctx, "doc1"))
	assert.Empty(t, eng.SearchText(ctx, []string{"marker"}))
	crash(t, eng)

	eng2 := newTestEngine(t, dir)
	defer eng2.Close(ctx)
	assert.Empty(t, eng2.SearchText(ctx, []string{"marker"}), "deleted key must not reappear in the index")
}

func TestEngine_ConcurrentBulkSetsDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, t.TempDir())
	defer eng.Close(ctx)

	const keys = 10
	const rounds = 20
	var wg sync.WaitGroup
	for writer := 0; writer < 2; writer++ {
		writer := writer
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				pairs := make([]core.KVPair, keys)
				for i := range pairs {
					pairs[i] = core.KVPair{
						Key:   fmt.Sprintf("iso%02d", i),
						Value: fmt.Sprintf("writer%d-round%d", writer, r),
					}
				}
				assert.NoError(t, eng.BulkSet(ctx, pairs))
			}
		}()
	}
	wg.Wait()

	// Whatever batch won, every key must carry the same writer+round tag.
	first, err := eng.Get(ctx, "iso00")
	require.NoError(t, err)
	for i := 1; i < keys; i++ {
		value, err := eng.Get(ctx, fmt.Sprintf("iso%02d", i))
		require.NoError(t, err)
		assert.Equal(t, first, value, "bulk batches must not interleave")
	}
}

func TestEngine_SearchNeverObservesPartialBulkSet(t *testing.T) {
	ctx := context.Background()
	eng, err := NewStorageEngine(StorageEngineOptions{
		DataDir:     t.TempDir(),
		WALSyncMode: wal.SyncDisabled,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	defer eng.Close(ctx)

	const keyCount = 200
	withMarker := make([]core.KVPair, keyCount)
	withoutMarker := make([]core.KVPair, keyCount)
	for i := 0; i < keyCount; i++ {
		key := fmt.Sprintf("doc%03d", i)
		withMarker[i] = core.KVPair{Key: key, Value: "shared marker text"}
		withoutMarker[i] = core.KVPair{Key: key, Value: "plain text"}
	}

	// Readers race the writer; every snapshot must hold the marker on all
	// keys or on none of them.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				keys := eng.SearchText(ctx, []string{"marker"})
				if len(keys) != 0 && len(keys) != keyCount {
					assert.Failf(t, "partially-applied bulk write visible",
						"search saw %d of %d keys", len(keys), keyCount)
					return
				}
			}
		}()
	}

	for round := 0; round < 25; round++ {
		require.NoError(t, eng.BulkSet(ctx, withMarker))
		require.NoError(t, eng.BulkSet(ctx, withoutMarker))
	}
	close(done)
	wg.Wait()
}

func TestEngine_ApplyReplicatedKeepsRemoteSeqAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, t.TempDir())
	defer eng.Close(ctx)

	entry := core.WALEntry{SeqNum: 1, EntryType: core.EntryTypeSet, Key: "k", Value: "v1"}
	require.NoError(t, eng.ApplyReplicated(ctx, entry))
	assert.Equal(t, uint64(1), eng.LastSeqNum())

	// Redelivery of the same entry is ignored.
	require.NoError(t, eng.ApplyReplicated(ctx, entry))
	assert.Equal(t, uint64(1), eng.LastSeqNum())

	require.NoError(t, eng.ApplyReplicated(ctx, core.WALEntry{SeqNum: 2, EntryType: core.EntryTypeSet, Key: "k", Value: "v2"}))
	value, err := eng.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
	assert.Equal(t, uint64(2), eng.LastSeqNum())
}

func TestEngine_SecondInstanceOnSameDirFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	eng := newTestEngine(t, dir)
	defer eng.Close(ctx)

	second, err := NewStorageEngine(StorageEngineOptions{DataDir: dir})
	require.NoError(t, err)
	err = second.Start(ctx)
	require.ErrorIs(t, err, core.ErrAlreadyLocked)
}

func TestEngine_CheckpointFailureSurfacesDurabilityError(t *testing.T) {
	ctx := context.Background()
	injected := errors.New("simulated checkpoint failure")
	eng, err := NewStorageEngine(StorageEngineOptions{
		DataDir:                          t.TempDir(),
		TestingOnlyInjectCheckpointError: injected,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	defer crash(t, eng)

	require.NoError(t, eng.Set(ctx, "k", "v"))
	err = eng.Checkpoint(ctx)
	require.Error(t, err)
	assert.True(t, core.IsDurabilityError(err))
	assert.ErrorIs(t, err, injected)
}

func TestEngine_OperationsAfterCloseFail(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, t.TempDir())
	require.NoError(t, eng.Close(ctx))

	assert.ErrorIs(t, eng.Set(ctx, "k", "v"), ErrEngineClosed)
	_, err := eng.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, eng.Checkpoint(ctx), ErrEngineClosed)
}

// lastSegmentPath returns the highest-indexed WAL segment file under the
// engine's data directory.
func lastSegmentPath(t *testing.T, dataDir string) string {
	t.Helper()
	walDir := filepath.Join(dataDir, core.WALDirName)
	entries, err := os.ReadDir(walDir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	require.NotEmpty(t, names)
	sort.Strings(names)
	return filepath.Join(walDir, names[len(names)-1])
}
