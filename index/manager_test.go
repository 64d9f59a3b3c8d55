package index

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, Tokenize("The  Quick\tBrown\nFox"))
	assert.Empty(t, Tokenize("   "))
	assert.Empty(t, Tokenize(""))
}

func TestVectorize_DeterministicAndOrderIndependent(t *testing.T) {
	v1 := Vectorize([]string{"fast", "animal"})
	v2 := Vectorize([]string{"fast", "animal"})
	v3 := Vectorize([]string{"animal", "fast"})
	assert.Equal(t, v1, v2)
	assert.Equal(t, v1, v3)
	require.Len(t, v1, EmbeddingDim)

	var norm float64
	for _, x := range v1 {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5, "vector must be L2-normalized")
}

func TestVectorize_EmptyTokens(t *testing.T) {
	v := Vectorize(nil)
	require.Len(t, v, EmbeddingDim)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestSearchText_ANDSemantics(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("doc1", nil, strPtr("the quick brown fox"))
	m.OnMutation("doc2", nil, strPtr("the lazy dog"))

	assert.Equal(t, []string{"doc2"}, m.SearchText([]string{"lazy"}))
	assert.Equal(t, []string{"doc1", "doc2"}, m.SearchText([]string{"the"}))
	assert.Equal(t, []string{"doc1"}, m.SearchText([]string{"the", "quick"}))
	assert.Empty(t, m.SearchText([]string{"quick", "lazy"}), "no document contains both")
	assert.Empty(t, m.SearchText([]string{"missing"}))
	assert.Empty(t, m.SearchText(nil))
}

func TestSearchText_CaseInsensitive(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("doc1", nil, strPtr("Hello World"))

	assert.Equal(t, []string{"doc1"}, m.SearchText([]string{"HELLO"}))
	assert.Equal(t, []string{"doc1"}, m.SearchText([]string{"world"}))
}

func TestSearchText_UpdateReplacesPostings(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("doc1", nil, strPtr("alpha beta"))
	m.OnMutation("doc1", strPtr("alpha beta"), strPtr("gamma delta"))

	assert.Empty(t, m.SearchText([]string{"alpha"}), "stale tokens must be dropped")
	assert.Equal(t, []string{"doc1"}, m.SearchText([]string{"gamma"}))
}

func TestSearchText_DeleteRemovesKey(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("doc1", nil, strPtr("shared token"))
	m.OnMutation("doc2", nil, strPtr("shared other"))

	m.OnMutation("doc1", strPtr("shared token"), nil)

	assert.Empty(t, m.SearchText([]string{"token"}))
	assert.Equal(t, []string{"doc2"}, m.SearchText([]string{"shared"}))
}

func TestSearchSimilar_RanksByTokenOverlap(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("exact", nil, strPtr("fast animal"))
	m.OnMutation("partial", nil, strPtr("fast car"))
	m.OnMutation("unrelated", nil, strPtr("slow turtle soup"))

	results := m.SearchSimilar("fast animal", 3)
	require.Len(t, results, 3)
	assert.Equal(t, "exact", results[0].Key, "identical token set must rank first")
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "partial", results[1].Key, "one shared token beats none")
}

func TestSearchSimilar_TopKCutoff(t *testing.T) {
	m := NewManager(nil)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("doc%d", i)
		m.OnMutation(key, nil, strPtr("common words here"))
	}

	assert.Len(t, m.SearchSimilar("common", 3), 3)
	assert.Len(t, m.SearchSimilar("common", 100), 10)
	assert.Empty(t, m.SearchSimilar("common", 0))
}

func TestSearchSimilar_EqualScoresTieBreakByKey(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("bbb", nil, strPtr("identical text"))
	m.OnMutation("aaa", nil, strPtr("identical text"))

	results := m.SearchSimilar("identical text", 2)
	require.Len(t, results, 2)
	assert.Equal(t, "aaa", results[0].Key)
	assert.Equal(t, "bbb", results[1].Key)
	assert.Equal(t, results[0].Score, results[1].Score)
}

func TestSearchSimilar_Deterministic(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("doc1", nil, strPtr("machine learning models"))
	m.OnMutation("doc2", nil, strPtr("deep learning networks"))
	m.OnMutation("doc3", nil, strPtr("cooking recipes"))

	first := m.SearchSimilar("learning", 3)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.SearchSimilar("learning", 3))
	}
}

func TestSearchSimilar_EmptyQueryScoresZero(t *testing.T) {
	m := NewManager(nil)
	m.OnMutation("doc1", nil, strPtr("anything"))

	results := m.SearchSimilar("", 1)
	require.Len(t, results, 1)
	assert.True(t, math.Abs(results[0].Score) < 1e-9)
}

func TestRebuild_MatchesIncrementalState(t *testing.T) {
	data := map[string]string{
		"doc1": "the quick brown fox",
		"doc2": "the lazy dog",
		"doc3": "quick thinking",
	}

	incremental := NewManager(nil)
	for k, v := range data {
		incremental.OnMutation(k, nil, strPtr(v))
	}

	rebuilt := NewManager(nil)
	rebuilt.Rebuild(data)

	for _, query := range [][]string{{"the"}, {"quick"}, {"lazy"}, {"the", "quick"}} {
		assert.Equal(t, incremental.SearchText(query), rebuilt.SearchText(query), "query %v", query)
	}
	assert.Equal(t, incremental.SearchSimilar("quick fox", 3), rebuilt.SearchSimilar("quick fox", 3))
}

func TestRebuild_Deterministic(t *testing.T) {
	data := map[string]string{"a": "one two", "b": "two three", "c": "three one"}

	m1 := NewManager(nil)
	m1.Rebuild(data)
	m2 := NewManager(nil)
	m2.Rebuild(data)

	assert.Equal(t, m1.SearchText([]string{"two"}), m2.SearchText([]string{"two"}))
	assert.Equal(t, m1.SearchSimilar("one three", 3), m2.SearchSimilar("one three", 3))
}

func TestOnBatch_AtomicUnderConcurrentSearch(t *testing.T) {
	m := NewManager(nil)

	const keyCount = 100
	setAll := make([]Mutation, keyCount)
	clearAll := make([]Mutation, keyCount)
	for i := 0; i < keyCount; i++ {
		key := fmt.Sprintf("doc%03d", i)
		withTok := "alpha beacon"
		without := "alpha"
		setAll[i] = Mutation{Key: key, NewValue: &withTok}
		clearAll[i] = Mutation{Key: key, OldValue: &withTok, NewValue: &without}
	}
	// Seed once so every later batch carries the right old values.
	m.OnBatch(setAll)

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
				keys := m.SearchText([]string{"beacon"})
				if len(keys) != 0 && len(keys) != keyCount {
					assert.Failf(t, "partial batch visible", "saw %d of %d keys", len(keys), keyCount)
					return
				}
			}
		}()
	}
	reverse := make([]Mutation, keyCount)
	for i := range setAll {
		reverse[i] = Mutation{Key: setAll[i].Key, OldValue: clearAll[i].NewValue, NewValue: setAll[i].NewValue}
	}
	for round := 0; round < 200; round++ {
		m.OnBatch(clearAll)
		m.OnBatch(reverse)
	}
	close(done)
	wg.Wait()
}
