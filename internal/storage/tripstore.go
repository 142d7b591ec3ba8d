package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/live-tracking/internal/models"
)

// TripLog records booking transitions observed by the hub. History returns
// events in the order they were recorded.
type TripLog interface {
	RecordTransition(ctx context.Context, ev models.TripEvent) error
	History(ctx context.Context, bookingID string) ([]models.TripEvent, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]models.TripEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]models.TripEvent)}
}

func (m *MemoryStore) RecordTransition(_ context.Context, ev models.TripEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.BookingID] = append(m.events[ev.BookingID], ev)
	return nil
}

func (m *MemoryStore) History(_ context.Context, bookingID string) ([]models.TripEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TripEvent, len(m.events[bookingID]))
	copy(out, m.events[bookingID])
	// same order as the postgres query: recorded_at, then insertion
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}
