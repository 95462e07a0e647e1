package core

// MemoryStore defines persistence + retrieval (search) for agent memory
// snippets backing the memory_save / memory_recall tools. Implementations can
// back search with embeddings, keywords or any heuristic. Scope is normally
// the AgentID.
type MemoryStore interface {
	Search(scope string, query string, limit int) ([]SearchResult, error)
	Store(scope string, content string, metadata map[string]any) (string, error)
	Delete(scope string, memoryID string) error
}

// SearchResult is one recalled memory. Score is the store's relevance
// estimate, higher is better.
type SearchResult struct {
	ID       string
	Content  string
	Score    float64
	Metadata map[string]any
}
