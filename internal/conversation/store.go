package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Store is the process-wide in-memory conversation map. It owns every
// mutation of conversation state. It is safe for concurrent use; the
// summarization guard is per conversation, so unrelated conversations never
// contend on it.
type Store struct {
	mu     sync.Mutex
	convs  map[string]*conversation
	policy EvictionPolicy
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEviction sets the policy that bounds the number of conversations.
func WithEviction(p EvictionPolicy) Option {
	return func(s *Store) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty store. Without WithEviction the store keeps
// every conversation for the life of the process.
func NewStore(opts ...Option) *Store {
	s := &Store{
		convs:  make(map[string]*conversation),
		policy: NoEviction{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the conversation for id, creating it if create is set.
// Creating or touching a conversation may evict others per the policy.
func (s *Store) lookup(id string, create bool) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		if !create {
			return nil
		}
		c = &conversation{id: id, updatedAt: s.now()}
		s.convs[id] = c
	}
	for _, victim := range s.policy.Touch(id) {
		if victim != id {
			delete(s.convs, victim)
		}
	}
	return c
}

// GetOrCreate returns a snapshot of the conversation, registering an empty
// one on first reference. It never fails.
func (s *Store) GetOrCreate(id string) State {
	return s.lookup(id, true).snapshot()
}

// Get returns a snapshot of the conversation without creating it.
func (s *Store) Get(id string) (State, bool) {
	s.mu.Lock()
	c, ok := s.convs[id]
	s.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return c.snapshot(), true
}

// AppendTurn records a new turn stamped with the current time. Timestamps
// never go backwards within one conversation. It does not trigger
// compaction.
func (s *Store) AppendTurn(id string, role Role, content string) Turn {
	c := s.lookup(id, true)

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := s.now()
	if n := len(c.turns); n > 0 && ts.Before(c.turns[n-1].Timestamp) {
		ts = c.turns[n-1].Timestamp
	}
	turn := Turn{
		ID:        ulid.Make().String(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}
	c.turns = append(c.turns, turn)
	c.updatedAt = ts
	return turn
}

// Claim is held by the caller that won BeginSummarization. It names one
// generation of a conversation: if the id is evicted and referenced again,
// the new conversation does not honor claims taken on the old one.
type Claim struct {
	id   string
	conv *conversation
}

// ID returns the conversation id the claim was taken on.
func (c Claim) ID() string { return c.id }

// BeginSummarization sets the conversation's summarizing flag if it is
// clear. A false result means another compaction is already in flight and
// the caller must skip.
func (s *Store) BeginSummarization(id string) (Claim, bool) {
	c := s.lookup(id, true)
	if !c.summarizing.CompareAndSwap(false, true) {
		return Claim{}, false
	}
	return Claim{id: id, conv: c}, true
}

// current returns the conversation claim was taken on if it is still the
// one stored under claim's id.
func (s *Store) current(claim Claim) (*conversation, bool) {
	if claim.conv == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[claim.id]
	return c, ok && c == claim.conv
}

// CompleteSummarization installs summary and drops every turn older than
// retained[0]. Turns appended while the summarizer was running stay after
// the retained window; an empty retained keeps every turn. It reports
// whether the result was committed: a claim on an evicted conversation, or
// a retained window that no longer matches the turns, changes nothing
// beyond releasing the claim.
func (s *Store) CompleteSummarization(claim Claim, summary string, retained []Turn) bool {
	c, ok := s.current(claim)
	if !ok {
		if claim.conv != nil {
			claim.conv.summarizing.Store(false)
		}
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.summarizing.Store(false)

	cut := 0
	if len(retained) > 0 {
		cut = -1
		for i, t := range c.turns {
			if t.ID == retained[0].ID {
				cut = i
				break
			}
		}
		if cut < 0 {
			return false
		}
	}

	c.folded += cut
	c.turns = append([]Turn(nil), c.turns[cut:]...)

	now := s.now()
	c.summary = summary
	c.lastSummaryAt = now
	c.updatedAt = now
	return true
}

// FailSummarization releases claim and leaves the turns and summary
// exactly as they were.
func (s *Store) FailSummarization(claim Claim) {
	if claim.conv != nil {
		claim.conv.summarizing.Store(false)
	}
}

// Len returns the number of conversations held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// IDs returns the ids of all conversations in sorted order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// EvictIdle removes conversations not updated within maxIdle and returns
// how many were removed. Conversations with a compaction in flight are kept.
func (s *Store) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.convs {
		c.mu.Lock()
		idle := c.updatedAt.Before(cutoff)
		c.mu.Unlock()
		if !idle || c.summarizing.Load() {
			continue
		}
		delete(s.convs, id)
		s.policy.Remove(id)
		removed++
	}
	return removed
}
