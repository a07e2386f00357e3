package guardians

import (
	"context"
	"sync"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// MemoryStore — хранилище в памяти процесса. Копирует записи на входе и выходе,
// поэтому вызывающий не может изменить сохранённое состояние в обход CAS.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key Key, expected int64, next Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records[key].Version != expected {
		return domain.ErrConflict
	}
	next = next.Clone()
	next.Version = expected + 1
	m.records[key] = next
	return nil
}
