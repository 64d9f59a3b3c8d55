// Package index maintains the derived search structures over committed
// values: an inverted text index (token -> posting bitmap of key IDs) and a
// per-key embedding vector for similarity ranking. Both are pure functions
// of the committed map and are rebuilt from engine state on startup, never
// independently persisted.
package index

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// ScoredKey is one similarity search result.
type ScoredKey struct {
	Key   string
	Score float64
}

// Manager owns the derived index state. The engine calls OnMutation while
// still holding its write lock, so index state is never observably stale
// relative to the map; reads take the manager's own RLock.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger

	// Keys are interned to uint32 IDs so postings can be roaring bitmaps.
	keyToID map[string]uint32
	idToKey map[uint32]string
	nextID  uint32

	postings map[string]*roaring.Bitmap
	vectors  map[uint32][]float32
}

// NewManager creates an empty index manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "IndexManager"),
		keyToID:  make(map[string]uint32),
		idToKey:  make(map[uint32]string),
		nextID:   1,
		postings: make(map[string]*roaring.Bitmap),
		vectors:  make(map[uint32][]float32),
	}
}

// Mutation is one key change inside a committed entry. OldValue is nil when
// the key was absent before, NewValue is nil for a deletion.
type Mutation struct {
	Key      string
	OldValue *string
	NewValue *string
}

// OnMutation synchronizes the indexes with a single committed mutation.
func (m *Manager) OnMutation(key string, oldValue, newValue *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyMutationLocked(Mutation{Key: key, OldValue: oldValue, NewValue: newValue})
}

// OnBatch synchronizes the indexes with all mutations of one committed bulk
// entry under a single write lock, so concurrent searches see either none of
// the batch or all of it.
func (m *Manager) OnBatch(muts []Mutation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range muts {
		m.applyMutationLocked(muts[i])
	}
}

func (m *Manager) applyMutationLocked(mut Mutation) {
	if mut.NewValue == nil {
		m.removeLocked(mut.Key, mut.OldValue)
		return
	}

	id, ok := m.keyToID[mut.Key]
	if !ok {
		id = m.nextID
		m.nextID++
		m.keyToID[mut.Key] = id
		m.idToKey[id] = mut.Key
	}

	if mut.OldValue != nil {
		m.removePostingsLocked(id, Tokenize(*mut.OldValue))
	}

	tokens := Tokenize(*mut.NewValue)
	for _, tok := range tokens {
		bm, ok := m.postings[tok]
		if !ok {
			bm = roaring.New()
			m.postings[tok] = bm
		}
		bm.Add(id)
	}
	m.vectors[id] = Vectorize(tokens)
}

// Rebuild discards all index state and rederives it from the given committed
// map. Used once at startup after recovery.
func (m *Manager) Rebuild(data map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keyToID = make(map[string]uint32, len(data))
	m.idToKey = make(map[uint32]string, len(data))
	m.nextID = 1
	m.postings = make(map[string]*roaring.Bitmap)
	m.vectors = make(map[uint32][]float32, len(data))

	// Intern keys in sorted order so a rebuild of the same map assigns the
	// same IDs, keeping recovery fully deterministic.
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		id := m.nextID
		m.nextID++
		m.keyToID[key] = id
		m.idToKey[id] = key

		tokens := Tokenize(data[key])
		for _, tok := range tokens {
			bm, ok := m.postings[tok]
			if !ok {
				bm = roaring.New()
				m.postings[tok] = bm
			}
			bm.Add(id)
		}
		m.vectors[id] = Vectorize(tokens)
	}
	m.logger.Debug("Rebuilt indexes", "keys", len(keys), "tokens", len(m.postings))
}

// SearchText returns the keys whose current value contains every query word
// (AND semantics). A query word absent from the index yields an empty result,
// as does an empty query.
func (m *Manager) SearchText(queryWords []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Query words are normalized the same way values were tokenized.
	words := make([]string, 0, len(queryWords))
	for _, w := range queryWords {
		words = append(words, Tokenize(w)...)
	}
	if len(words) == 0 {
		return nil
	}

	var acc *roaring.Bitmap
	for _, word := range words {
		bm, ok := m.postings[word]
		if !ok {
			return nil
		}
		if acc == nil {
			acc = bm.Clone()
		} else {
			acc.And(bm)
		}
		if acc.IsEmpty() {
			return nil
		}
	}

	results := make([]string, 0, acc.GetCardinality())
	it := acc.Iterator()
	for it.HasNext() {
		results = append(results, m.idToKey[it.Next()])
	}
	sort.Strings(results)
	return results
}

// SearchSimilar ranks every stored vector by cosine similarity against the
// query text's vector and returns the top k by descending score, ties broken
// by ascending key. The result is a single computed snapshot.
func (m *Manager) SearchSimilar(queryText string, topK int) []ScoredKey {
	if topK <= 0 {
		return nil
	}
	queryVec := Vectorize(Tokenize(queryText))

	m.mu.RLock()
	scored := make([]ScoredKey, 0, len(m.vectors))
	for id, vec := range m.vectors {
		scored = append(scored, ScoredKey{
			Key:   m.idToKey[id],
			Score: float64(dot(queryVec, vec)),
		})
	}
	m.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Key < scored[j].Key
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// removeLocked drops a key from all index structures.
func (m *Manager) removeLocked(key string, oldValue *string) {
	id, ok := m.keyToID[key]
	if !ok {
		return
	}
	if oldValue != nil {
		m.removePostingsLocked(id, Tokenize(*oldValue))
	} else {
		// Old value unknown; fall back to a full posting sweep.
		for tok, bm := range m.postings {
			bm.Remove(id)
			if bm.IsEmpty() {
				delete(m.postings, tok)
			}
		}
	}
	delete(m.vectors, id)
	delete(m.keyToID, key)
	delete(m.idToKey, id)
}

// removePostingsLocked removes the key ID from the postings of each token.
func (m *Manager) removePostingsLocked(id uint32, tokens []string) {
	for _, tok := range tokens {
		bm, ok := m.postings[tok]
		if !ok {
			continue
		}
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(m.postings, tok)
		}
	}
}
