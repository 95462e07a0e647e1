package session

import (
	"sync"

	"github.com/hupe1980/spacebot/core"
)

// InMemoryHistory is a volatile HistoryProvider and HistoryRecorder keeping
// every turn of every channel in a process-local map. Returned slices are
// copies.
type InMemoryHistory struct {
	mu    sync.RWMutex
	turns map[core.ChannelID][]core.Content
}

// NewInMemoryHistory constructs an empty history store.
func NewInMemoryHistory() *InMemoryHistory {
	return &InMemoryHistory{turns: make(map[core.ChannelID][]core.Content)}
}

// RecentTurns returns the last n turns of channelID, oldest first. n <= 0
// returns the full history.
func (s *InMemoryHistory) RecentTurns(channelID core.ChannelID, n int) ([]core.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.turns[channelID]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}

	return core.CloneHistory(h), nil
}

// AppendTurns appends turns to channelID.
func (s *InMemoryHistory) AppendTurns(channelID core.ChannelID, turns ...core.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns[channelID] = append(s.turns[channelID], core.CloneHistory(turns)...)

	return nil
}

// Seed replaces the history of channelID.
func (s *InMemoryHistory) Seed(channelID core.ChannelID, turns ...core.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns[channelID] = core.CloneHistory(turns)
}

// Len returns the number of stored turns of channelID.
func (s *InMemoryHistory) Len(channelID core.ChannelID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.turns[channelID])
}
