package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps quota state in process memory. It is only correct for
// a single gateway instance.
type InMemoryStore struct {
	mu      sync.Mutex
	opts    Options
	now     func() time.Time
	windows map[string]*window
	slots   map[string]map[string]time.Time
	budgets map[string]int64
	nonces  map[string]time.Time
}

type window struct {
	count   int
	start   time.Time
	resetAt time.Time
}

func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		opts:    opts.withDefaults(),
		now:     time.Now,
		windows: make(map[string]*window),
		slots:   make(map[string]map[string]time.Time),
		budgets: make(map[string]int64),
		nonces:  make(map[string]time.Time),
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) IncrementWindow(ctx context.Context, clientKey string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[clientKey]
	if !ok || !now.Before(w.resetAt) {
		w = &window{start: now, resetAt: now.Add(s.opts.Window)}
		s.windows[clientKey] = w
	}
	w.count++

	return Window{Count: w.count, WindowStart: w.start, ResetAt: w.resetAt}, nil
}

func (s *InMemoryStore) TryAcquireStreamSlot(ctx context.Context, clientKey string, max int) (StreamSlot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	held := s.slots[clientKey]
	for id, expires := range held {
		if !now.Before(expires) {
			delete(held, id)
		}
	}

	if len(held) >= max {
		return StreamSlot{}, false, nil
	}

	if held == nil {
		held = make(map[string]time.Time)
		s.slots[clientKey] = held
	}
	slot := StreamSlot{ID: uuid.New().String(), ClientKey: clientKey}
	held[slot.ID] = now.Add(s.opts.SlotTTL)

	return slot, true, nil
}

func (s *InMemoryStore) ReleaseStreamSlot(ctx context.Context, slot StreamSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.slots[slot.ClientKey]
	delete(held, slot.ID)
	if len(held) == 0 {
		delete(s.slots, slot.ClientKey)
	}
	return nil
}

// ActiveStreams returns the number of unexpired slots held by clientKey.
func (s *InMemoryStore) ActiveStreams(clientKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, expires := range s.slots[clientKey] {
		if now.Before(expires) {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) IncrementDailyBudget(ctx context.Context, amount, limit int64) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := Day(s.now())
	for d := range s.budgets {
		if d != day {
			delete(s.budgets, d)
		}
	}

	current := s.budgets[day]
	if limit > 0 && current+amount > limit {
		return Budget{Day: day, Total: current, Limit: limit, Allowed: false}, nil
	}

	current += amount
	s.budgets[day] = current
	return Budget{Day: day, Total: current, Limit: limit, Allowed: true}, nil
}

func (s *InMemoryStore) ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for n, expires := range s.nonces {
		if !now.Before(expires) {
			delete(s.nonces, n)
		}
	}

	if _, seen := s.nonces[nonce]; seen {
		return false, nil
	}
	s.nonces[nonce] = now.Add(ttl)
	return true, nil
}
