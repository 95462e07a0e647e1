package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/spacebot/core"
)

// StoredMemory is the internal representation persisted by InMemoryStore.
type StoredMemory struct {
	ID       string
	Content  string
	Metadata map[string]any
	Created  time.Time
	seq      uint64
}

// InMemoryStore is a process-local MemoryStore keyed by scope (normally the
// agent id, so agents never see each other's memories).
//
// Search scores a memory by the share of query terms it contains,
// case-insensitively, and returns the best matches first. Suitable for tests
// and demos; production deployments plug in a semantic index.
type InMemoryStore struct {
	mu      sync.RWMutex
	seq     uint64
	storage map[string]map[string]StoredMemory // scope -> memoryID -> memory
}

// NewInMemoryStore creates a new in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{storage: make(map[string]map[string]StoredMemory)}
}

// Store saves content under scope and returns the new memory id.
func (m *InMemoryStore) Store(scope string, content string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("memory content is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.storage[scope]; !ok {
		m.storage[scope] = make(map[string]StoredMemory)
	}

	m.seq++
	id := fmt.Sprintf("mem_%d", m.seq)
	m.storage[scope][id] = StoredMemory{
		ID:       id,
		Content:  content,
		Metadata: copyMetadata(metadata),
		Created:  time.Now(),
		seq:      m.seq,
	}

	return id, nil
}

// Search returns up to limit memories of scope matching query, best score
// first and newest first among equal scores. An empty query matches
// everything with score 1.
func (m *InMemoryStore) Search(scope string, query string, limit int) ([]core.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))

	type hit struct {
		mem   StoredMemory
		score float64
	}

	hits := make([]hit, 0)
	for _, mem := range m.storage[scope] {
		if score := scoreMemory(mem.Content, terms); score > 0 {
			hits = append(hits, hit{mem: mem, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].mem.seq > hits[j].mem.seq
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	results := make([]core.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = core.SearchResult{
			ID:       h.mem.ID,
			Content:  h.mem.Content,
			Score:    h.score,
			Metadata: copyMetadata(h.mem.Metadata),
		}
	}

	return results, nil
}

// Delete removes a stored memory entry by id.
func (m *InMemoryStore) Delete(scope string, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.storage[scope][memoryID]; !ok {
		return fmt.Errorf("memory %s not found", memoryID)
	}
	delete(m.storage[scope], memoryID)

	return nil
}

// Len returns the number of memories stored under scope.
func (m *InMemoryStore) Len(scope string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.storage[scope])
}

func scoreMemory(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}

	lower := strings.ToLower(content)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}

	return float64(matched) / float64(len(terms))
}

func copyMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
