package storage

import (
	"container/list"
	"context"
	"sync"
)

// Memory is the in-memory ring backend. It is not durable across restart;
// it exists for connectors and test harnesses that don't need the
// at-least-once crash guarantee, per spec.md §4.1's "three backends
// selectable by configuration".
type Memory struct {
	mu        sync.Mutex
	events    *list.List
	batchSize int
	capacity  int

	checkedOut []*list.Element
}

// NewMemory builds a ring-backed Memory store. A zero Capacity means
// unbounded.
func NewMemory(cfg Config) *Memory {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Memory{
		events:    list.New(),
		batchSize: batchSize,
		capacity:  cfg.Capacity,
	}
}

func (m *Memory) Put(_ context.Context, event []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity > 0 && m.events.Len() >= m.capacity {
		return false, nil
	}

	cp := make([]byte, len(event))
	copy(cp, event)
	m.events.PushBack(cp)
	return true, nil
}

// GetEventPack returns the front of the ring without removing it; the
// elements are remembered as checkedOut so a repeat call before
// EventPackProcessingDone returns the identical pack (spec.md §4.1's
// checkout idempotency).
func (m *Memory) GetEventPack(_ context.Context) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.checkedOut) > 0 {
		return m.snapshotCheckedOutLocked(), nil
	}

	e := m.events.Front()
	for i := 0; i < m.batchSize && e != nil; i++ {
		m.checkedOut = append(m.checkedOut, e)
		e = e.Next()
	}
	return m.snapshotCheckedOutLocked(), nil
}

func (m *Memory) snapshotCheckedOutLocked() [][]byte {
	out := make([][]byte, len(m.checkedOut))
	for i, e := range m.checkedOut {
		out[i] = e.Value.([]byte)
	}
	return out
}

func (m *Memory) EventPackProcessingDone(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.checkedOut {
		m.events.Remove(e)
	}
	m.checkedOut = nil
	return nil
}

func (m *Memory) Stop() error {
	return nil
}
