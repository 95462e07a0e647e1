package core

import (
	"fmt"
	"sync"
)

// TurnBudget enforces a maximum number of model turns for a process.
// Interactive workers keep consuming the same budget across follow-ups.
type TurnBudget struct {
	max  int
	used int
	mu   sync.Mutex
}

// NewTurnBudget creates a new budget allowing max turns.
// If max == 0, unlimited turns are allowed.
func NewTurnBudget(max int) *TurnBudget {
	return &TurnBudget{max: max}
}

// Consume takes one turn and returns its 1-based number. It returns an error
// wrapping ErrMaxTurns, without consuming, once the budget is spent.
func (b *TurnBudget) Consume() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max > 0 && b.used >= b.max {
		return b.used, fmt.Errorf("%w: %d", ErrMaxTurns, b.max)
	}

	b.used++

	return b.used, nil
}

// Used returns the number of turns consumed so far.
func (b *TurnBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.used
}

// Remaining returns how many turns are left before hitting the limit.
func (b *TurnBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max == 0 {
		return -1 // unlimited
	}

	return b.max - b.used
}

// Max returns the configured limit (0 means unlimited).
func (b *TurnBudget) Max() int { return b.max }

// Reset zeroes the counter. Channels reset per inbound message.
func (b *TurnBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used = 0
}
