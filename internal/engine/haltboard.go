package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/guardians"
	"github.com/xela07ax/guardian-gateway/internal/infra"
)

// HaltSource — откуда берётся полный список остановленных аккаунтов.
type HaltSource interface {
	HaltedKeys(ctx context.Context) ([]guardians.Key, error)
}

// HaltBoard — локальная копия множества аккаунтов с остановленной торговлей.
// Обновляется сигналами RedisChanHalt от любых инстансов.
type HaltBoard struct {
	mu     sync.RWMutex
	halted map[guardians.Key]struct{}
	source HaltSource
	// forward: дальнейшая трансляция локальных изменений (Redis)
	forward guardians.HaltNotifier
	// onChange вызывается на каждый сигнал (сброс L1 кэша гардианов)
	onChange func(key guardians.Key)
	logger   *zap.Logger
}

var _ guardians.HaltNotifier = (*HaltBoard)(nil)

func NewHaltBoard(source HaltSource, forward guardians.HaltNotifier, onChange func(guardians.Key), logger *zap.Logger) *HaltBoard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HaltBoard{
		halted:   make(map[guardians.Key]struct{}),
		source:   source,
		forward:  forward,
		onChange: onChange,
		logger:   logger.With(zap.String("mod", "halt-board")),
	}
}

// Init загружает текущее состояние остановок (при старте и после переподключения).
func (b *HaltBoard) Init(ctx context.Context) error {
	if b.source == nil {
		return nil
	}
	keys, err := b.source.HaltedKeys(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	clear(b.halted)
	for _, k := range keys {
		b.halted[k] = struct{}{}
	}
	b.mu.Unlock()
	return nil
}

// Set — локальное изменение (в том числе из HaltNotifier этого инстанса).
func (b *HaltBoard) Set(key guardians.Key, halted bool) {
	b.mu.Lock()
	if halted {
		b.halted[key] = struct{}{}
	} else {
		delete(b.halted, key)
	}
	b.mu.Unlock()
}

// NotifyHalt отмечает изменение локально и передаёт его дальше.
func (b *HaltBoard) NotifyHalt(ctx context.Context, key guardians.Key, halted bool) error {
	b.Set(key, halted)
	if b.forward == nil {
		return nil
	}
	return b.forward.NotifyHalt(ctx, key, halted)
}

// OnSignal разбирает payload "<org>/<account>:on|off".
func (b *HaltBoard) OnSignal(payload string) {
	key, halted, err := guardians.ParseHaltSignal(payload)
	if err != nil {
		b.logger.Error("invalid halt signal", zap.String("payload", payload), zap.Error(err))
		return
	}
	b.Set(key, halted)
	b.logger.Info("halt signal", zap.String("account", key.String()), zap.Bool("halted", halted))
	if b.onChange != nil {
		b.onChange(key)
	}
}

func (b *HaltBoard) IsHalted(key guardians.Key) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.halted[key]
	return ok
}

// Halted — отсортированный список для консоли.
func (b *HaltBoard) Halted() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.halted))
	for k := range b.halted {
		out = append(out, k.String())
	}
	b.mu.RUnlock()
	slices.Sort(out)
	return out
}

// StartListener подписывается на сигналы остановки до отмены ctx.
func (b *HaltBoard) StartListener(ctx context.Context, rdb *redis.Client) {
	ListenStateResilient(ctx, rdb, b.logger, infra.RedisChanHalt,
		func() error { return b.Init(ctx) },
		b.OnSignal,
	)
}
