package audit

import (
	"context"
	"slices"
	"sync"
)

// MemoryLog — журнал в памяти процесса (режим без БД и тесты).
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Record(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone()

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return nil
}

// WriteBatch позволяет использовать MemoryLog как хранилище BatchWriter.
func (l *MemoryLog) WriteBatch(ctx context.Context, records []Record) error {
	for _, r := range records {
		if err := l.Record(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLog) Query(_ context.Context, f Filter) (Page, error) {
	f = f.Normalize()

	l.mu.RLock()
	matched := make([]Record, 0)
	for _, r := range l.records {
		if f.Match(r) {
			matched = append(matched, r)
		}
	}
	l.mu.RUnlock()

	slices.SortFunc(matched, Less)

	page := Page{Total: len(matched), Limit: f.Limit, Offset: f.Offset, Records: []Record{}}
	if f.Offset >= len(matched) {
		return page, nil
	}
	end := min(f.Offset+f.Limit, len(matched))
	for _, r := range matched[f.Offset:end] {
		page.Records = append(page.Records, r.Clone())
	}
	return page, nil
}

func (l *MemoryLog) Stats(_ context.Context, f Filter) (Stats, error) {
	st := NewStats()

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if f.Match(r) {
			st.Add(r)
		}
	}
	return st, nil
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
