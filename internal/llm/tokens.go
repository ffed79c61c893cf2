package llm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned when a chat turn would spend more tokens
// than its budget allows.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Budget accumulates the usage of every model call made for one chat turn,
// tool round trips included. A zero limit never refuses a call.
type Budget struct {
	limit int

	mu    sync.Mutex
	calls int
	used  TokenUsage
}

// NewBudget returns a budget capped at limit tokens.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Spend records the usage reported by one model response.
func (b *Budget) Spend(usage TokenUsage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.used.InputTokens += usage.InputTokens
	b.used.OutputTokens += usage.OutputTokens
	b.used.CacheRead += usage.CacheRead
	b.used.CacheWrite += usage.CacheWrite
}

// Reserve reports whether a call that may produce up to n more tokens
// still fits. The error wraps ErrBudgetExceeded.
func (b *Budget) Reserve(n int) error {
	if b.limit <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if used := b.used.Total(); used+n > b.limit {
		return fmt.Errorf("%w: %d used after %d calls, next call may add %d, limit %d",
			ErrBudgetExceeded, used, b.calls, n, b.limit)
	}
	return nil
}

// Used returns the usage so far and the number of model calls it covers.
func (b *Budget) Used() (TokenUsage, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used, b.calls
}
