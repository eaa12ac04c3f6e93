package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is a process-local Store. State does not survive restarts.
type Memory struct {
	mu         sync.Mutex
	identities map[string]uuid.UUID
	deadlines  map[string]Deadline
	usage      int64
}

func NewMemory() *Memory {
	return &Memory{
		identities: make(map[string]uuid.UUID),
		deadlines:  make(map[string]Deadline),
	}
}

func (m *Memory) PublisherID(_ context.Context, room string, candidate uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.identities[room]; ok {
		return id, nil
	}
	m.identities[room] = candidate
	return candidate, nil
}

func (m *Memory) SaveDeadline(_ context.Context, d Deadline) error {
	m.mu.Lock()
	m.deadlines[d.Name] = d
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteDeadline(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.deadlines, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Deadlines(_ context.Context) ([]Deadline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Deadline, 0, len(m.deadlines))
	for _, d := range m.deadlines {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) IncrUsage(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage++
	return m.usage, nil
}

func (m *Memory) Usage(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage, nil
}

func (m *Memory) Close() error { return nil }
