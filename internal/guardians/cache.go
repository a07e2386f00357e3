package guardians

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// CachedStore — L1 кэш в RAM поверх общего хранилища (Redis/Postgres).
// Чтения гардианов идут из памяти; запись всегда проходит CAS в backing store,
// поэтому устаревший L1 приводит к конфликту и повтору, а не к потере обновления.
type CachedStore struct {
	mu      sync.RWMutex
	records map[Key]Record

	next   Store
	logger *zap.Logger
}

func NewCachedStore(next Store, logger *zap.Logger) *CachedStore {
	return &CachedStore{
		records: make(map[Key]Record),
		next:    next,
		logger:  logger.Named("guardians-cache"),
	}
}

func (c *CachedStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	// 1. Hot path: только RAM
	c.mu.RLock()
	rec, ok := c.records[key]
	c.mu.RUnlock()
	if ok {
		return rec.Clone(), true, nil
	}

	// 2. Промах, идём в backing store
	rec, found, err := c.next.Get(ctx, key)
	if err != nil || !found {
		return rec, found, err
	}

	c.mu.Lock()
	// Не затираем более свежую версию, записанную параллельно
	if cur, ok := c.records[key]; !ok || cur.Version < rec.Version {
		c.records[key] = rec.Clone()
	}
	c.mu.Unlock()
	return rec, true, nil
}

func (c *CachedStore) CompareAndSwap(ctx context.Context, key Key, expected int64, next Record) error {
	err := c.next.CompareAndSwap(ctx, key, expected, next)
	if errors.Is(err, domain.ErrConflict) {
		// Кто-то записал раньше нас: L1 устарел
		c.Invalidate(key)
		return err
	}
	if err != nil {
		return err
	}

	next = next.Clone()
	next.Version = expected + 1
	c.mu.Lock()
	c.records[key] = next
	c.mu.Unlock()
	return nil
}

// Invalidate сбрасывает запись (сигнал от другого инстанса).
func (c *CachedStore) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.records, key)
	c.mu.Unlock()
}

// Purge сбрасывает весь L1. Вызывается при переподключении к pub/sub,
// так как сигналы за время разрыва потеряны.
func (c *CachedStore) Purge() error {
	c.mu.Lock()
	n := len(c.records)
	c.records = make(map[Key]Record)
	c.mu.Unlock()

	c.logger.Info("guardians cache purged", zap.Int("count", n))
	return nil
}

// OnSignal разбирает payload канала инвалидации.
func (c *CachedStore) OnSignal(payload string) {
	key, err := ParseKey(payload)
	if err != nil {
		c.logger.Error("invalid invalidation signal", zap.String("payload", payload), zap.Error(err))
		return
	}
	c.Invalidate(key)
}
