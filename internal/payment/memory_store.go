package payment

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	intent    Intent
	expiresAt time.Time
}

// MemoryIntentStore is the single-process IntentStore used with the memory
// storage driver.
type MemoryIntentStore struct {
	mu      sync.Mutex
	intents map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		intents: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryIntentStore) Save(ctx context.Context, token string, intent *Intent, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intents[token] = memoryEntry{intent: *intent, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIntentStore) Take(ctx context.Context, token string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.intents[token]
	if !ok {
		return nil, ErrIntentNotFound
	}
	delete(s.intents, token)
	if s.now().After(e.expiresAt) {
		return nil, ErrIntentNotFound
	}
	return &e.intent, nil
}
