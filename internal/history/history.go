// Package history keeps the bounded, process-local conversation log for each user.
//
// Nothing here is durable: the table lives as long as the process does.
// Callers that perform a read-modify-write for one conversation (Get, call the
// model, Append) hold the conversation lock from Lock for the whole sequence.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/chatrelay/internal/llm"
)

// DefaultMaxTurns is the history bound used when none is configured.
const DefaultMaxTurns = 10

// Eviction selects how Append enforces the bound.
type Eviction string

const (
	// EvictLagged drops the two oldest incoming turns only when the
	// previously stored history had already reached the bound. It bounds
	// only the pairwise flow, where each Append is the stored history plus
	// one user/assistant pair: the stored length then stays within max+1
	// (max when max is even). Any other Append made while the stored length
	// is below max is kept whole.
	EvictLagged Eviction = "lagged"
	// EvictStrict drops oldest pairs until the stored history fits the bound.
	EvictStrict Eviction = "strict"
)

// Config configures a Store.
type Config struct {
	MaxTurns int      // 0 = DefaultMaxTurns.
	Eviction Eviction // "" = EvictLagged.
}

// Store is the conversation table. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex
	convs    map[string]*conversation
	locks    map[string]*keyLock
	maxTurns int
	eviction Eviction
	metrics  *Metrics
	now      func() time.Time
}

type conversation struct {
	turns   []llm.Message
	touched time.Time
}

// keyLock is a one-slot semaphore shared by every caller waiting on the same id.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// New creates an empty Store. metrics may be nil.
func New(cfg Config, metrics *Metrics) *Store {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	eviction := cfg.Eviction
	if eviction != EvictStrict {
		eviction = EvictLagged
	}
	return &Store{
		convs:    make(map[string]*conversation),
		locks:    make(map[string]*keyLock),
		maxTurns: maxTurns,
		eviction: eviction,
		metrics:  metrics,
		now:      time.Now,
	}
}

// MaxTurns returns the configured bound.
func (s *Store) MaxTurns() int { return s.maxTurns }

// Get returns a copy of the stored history for id, or an empty slice.
func (s *Store) Get(id string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return []llm.Message{}
	}
	out := make([]llm.Message, len(c.turns))
	copy(out, c.turns)
	return out
}

// Append replaces the stored history for id with h after applying the
// eviction rule. System turns in h are never stored.
func (s *Store) Append(id string, h []llm.Message) {
	turns := make([]llm.Message, 0, len(h))
	for _, m := range h {
		if m.Role == llm.RoleSystem {
			continue
		}
		turns = append(turns, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := 0
	c, ok := s.convs[id]
	if ok {
		prev = len(c.turns)
	} else {
		c = &conversation{}
		s.convs[id] = c
	}

	dropped := 0
	switch s.eviction {
	case EvictStrict:
		for len(turns)-dropped > s.maxTurns {
			dropped += 2
		}
	default:
		if prev >= s.maxTurns {
			dropped = 2
		}
	}
	dropped = min(dropped, len(turns))

	c.turns = turns[dropped:]
	c.touched = s.now()

	if s.metrics != nil {
		s.metrics.Conversations.Set(float64(len(s.convs)))
		if dropped > 0 {
			s.metrics.EvictedTurns.Add(float64(dropped))
		}
	}
}

// Len returns the number of stored turns for id.
func (s *Store) Len(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return len(c.turns)
	}
	return 0
}

// Conversations returns the ids of all stored conversations, sorted.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete forgets the conversation for id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	if s.metrics != nil {
		s.metrics.Conversations.Set(float64(len(s.convs)))
	}
}

// Sweep removes conversations not appended to within idleFor and returns
// how many were removed. Conversations currently locked are kept.
func (s *Store) Sweep(idleFor time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idleFor)
	removed := 0
	for id, c := range s.convs {
		if _, busy := s.locks[id]; busy {
			continue
		}
		if c.touched.Before(cutoff) {
			delete(s.convs, id)
			removed++
		}
	}

	if s.metrics != nil {
		s.metrics.Conversations.Set(float64(len(s.convs)))
		s.metrics.Swept.Add(float64(removed))
	}
	return removed
}

// Lock acquires the per-conversation lock for id. Locks for different ids
// are independent. The returned unlock function is safe to call more than once.
// If ctx is done before the lock is free, ctx.Err() is returned.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	kl, ok := s.locks[id]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[id] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		s.release(id, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			s.release(id, kl)
		})
	}, nil
}

func (s *Store) release(id string, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, id)
	}
}
