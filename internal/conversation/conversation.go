// Package conversation holds per-conversation chat memory: the literal
// recent turns, the running summary of older turns, and the single-flight
// guard that keeps background compaction from overlapping.
package conversation

import (
	"sync"
	"sync/atomic"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Label returns the capitalized role name used in rendered transcripts.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// Turn is one immutable message in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a point-in-time copy of a conversation. Mutating it has no
// effect on the store.
type State struct {
	ID            string     `json:"id"`
	Turns         []Turn     `json:"turns"`
	Summary       string     `json:"summary"`
	Summarizing   bool       `json:"summarizing"`
	LastSummaryAt *time.Time `json:"last_summary_at,omitempty"`

	// Folded counts turns compressed into Summary so far.
	Folded    int       `json:"folded"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmpty reports whether the conversation has neither turns nor a summary.
func (s State) IsEmpty() bool {
	return len(s.Turns) == 0 && s.Summary == ""
}

// Split divides the turns into the ones outside the retained window and the
// last maxRecent turns. A maxRecent below one is treated as one.
func (s State) Split(maxRecent int) (older, recent []Turn) {
	if maxRecent < 1 {
		maxRecent = 1
	}
	if len(s.Turns) <= maxRecent {
		return nil, s.Turns
	}
	cut := len(s.Turns) - maxRecent
	return s.Turns[:cut], s.Turns[cut:]
}

type conversation struct {
	mu            sync.Mutex
	id            string
	turns         []Turn
	summary       string
	lastSummaryAt time.Time
	folded        int
	updatedAt     time.Time

	summarizing atomic.Bool
}

func (c *conversation) snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		ID:          c.id,
		Turns:       append([]Turn(nil), c.turns...),
		Summary:     c.summary,
		Summarizing: c.summarizing.Load(),
		Folded:      c.folded,
		UpdatedAt:   c.updatedAt,
	}
	if !c.lastSummaryAt.IsZero() {
		at := c.lastSummaryAt
		st.LastSummaryAt = &at
	}
	return st
}
