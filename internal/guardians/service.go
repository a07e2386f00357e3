package guardians

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/presets"
	"github.com/xela07ax/guardian-gateway/internal/risk"
)

const lockStripes = 64

// HaltNotifier получает сигнал при смене флага остановки торговли.
type HaltNotifier interface {
	NotifyHalt(ctx context.Context, key Key, halted bool) error
}

type Options struct {
	// DefaultPreset применяется к аккаунту при первом обращении.
	DefaultPreset string
	// CASAttempts: сколько раз повторять read-modify-write при конфликте версий.
	CASAttempts uint
	Notifier    HaltNotifier
}

// Service — операции над конфигом и счётчиками гардианов.
// Каждая мутация: чтение -> изменение копии -> CAS, с повтором на ErrConflict.
// Внутри процесса мутации одного ключа дополнительно сериализуются striped-мьютексом.
type Service struct {
	store   Store
	anon    *MemoryStore
	catalog *presets.Catalog
	clock   clock.Clock
	logger  *zap.Logger

	defaultPreset string
	casAttempts   uint
	notifier      HaltNotifier

	locks [lockStripes]sync.Mutex

	inflightMu sync.Mutex
	inflight   map[Key]map[uint64]hold
	holdSeq    uint64
}

func NewService(store Store, catalog *presets.Catalog, c clock.Clock, logger *zap.Logger, opts Options) (*Service, error) {
	if opts.DefaultPreset == "" {
		opts.DefaultPreset = presets.Default
	}
	if _, err := catalog.Get(opts.DefaultPreset); err != nil {
		return nil, fmt.Errorf("default preset: %w", err)
	}
	if opts.CASAttempts == 0 {
		opts.CASAttempts = 10
	}
	if store == nil {
		store = NewMemoryStore()
	}

	return &Service{
		store:         store,
		anon:          NewMemoryStore(),
		catalog:       catalog,
		clock:         clock.OrReal(c),
		logger:        logger.Named("guardians"),
		defaultPreset: opts.DefaultPreset,
		casAttempts:   opts.CASAttempts,
		notifier:      opts.Notifier,
		inflight:      make(map[Key]map[uint64]hold),
	}, nil
}

// Catalog — каталог пресетов, с которым работает сервис.
func (s *Service) Catalog() *presets.Catalog { return s.catalog }

func normalize(key Key) Key {
	if key.Anonymous() {
		return Key{}
	}
	return key
}

func (s *Service) storeFor(key Key) Store {
	if key.Anonymous() {
		return s.anon
	}
	return s.store
}

func (s *Service) lockFor(key Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &s.locks[h.Sum32()%lockStripes]
}

// load читает запись; отсутствующая инициализируется пресетом по умолчанию.
// Дневные счётчики приводятся к текущему UTC-дню.
func (s *Service) load(ctx context.Context, key Key) (Record, error) {
	rec, found, err := s.storeFor(key).Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	now := s.clock.Now()
	if !found {
		cfg, err := s.catalog.Get(s.defaultPreset)
		if err != nil {
			return Record{}, err
		}
		return Record{Config: cfg, State: domain.NewGuardiansState(now)}, nil
	}
	rec.State, _ = rec.State.RolledOver(now)
	if rec.State.ExposureByAsset == nil {
		rec.State.ExposureByAsset = make(map[string]float64)
	}
	return rec, nil
}

// mutate — read-modify-write под CAS. fn меняет копию записи.
// Возвращает запись до и после изменения.
func (s *Service) mutate(ctx context.Context, key Key, op string, fn func(rec *Record) error) (prev, next Record, err error) {
	key = normalize(key)
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	store := s.storeFor(key)
	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(s.casAttempts),
		retry.Delay(2*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrConflict)
		}),
	).Do(func() error {
		cur, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		upd := cur.Clone()
		if err := fn(&upd); err != nil {
			return err
		}
		if err := store.CompareAndSwap(ctx, key, cur.Version, upd); err != nil {
			return err
		}
		upd.Version = cur.Version + 1
		prev, next = cur, upd
		return nil
	})
	if err != nil {
		return Record{}, Record{}, fmt.Errorf("%s %s: %w", op, key, err)
	}

	if prev.State.Halted != next.State.Halted {
		s.onHaltChanged(ctx, key, next.State)
	}
	return prev, next, nil
}

func (s *Service) onHaltChanged(ctx context.Context, key Key, st domain.GuardiansState) {
	if st.Halted {
		s.logger.Warn("trading halted", zap.String("key", key.String()), zap.String("reason", st.HaltReason))
	} else {
		s.logger.Info("trading resumed", zap.String("key", key.String()))
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyHalt(ctx, key, st.Halted); err != nil {
		s.logger.Error("failed to broadcast halt signal", zap.String("key", key.String()), zap.Error(err))
	}
}

// Snapshot — согласованные конфиг и состояние из одной версии записи.
func (s *Service) Snapshot(ctx context.Context, key Key) (Record, error) {
	return s.load(ctx, normalize(key))
}

func (s *Service) Config(ctx context.Context, key Key) (domain.GuardiansConfig, error) {
	rec, err := s.Snapshot(ctx, key)
	return rec.Config, err
}

func (s *Service) State(ctx context.Context, key Key) (domain.GuardiansState, error) {
	rec, err := s.Snapshot(ctx, key)
	return rec.State, err
}

// CooldownRemaining — сколько ещё ждать до следующей сделки.
func (s *Service) CooldownRemaining(ctx context.Context, key Key) (time.Duration, error) {
	rec, err := s.Snapshot(ctx, key)
	if err != nil {
		return 0, err
	}
	return risk.CooldownRemaining(rec.Config.Rate.CooldownSeconds, rec.State.LastTradeAt, s.clock.Now()), nil
}

// ActivePreset — имя совпадающего пресета или presets.Custom.
func (s *Service) ActivePreset(ctx context.Context, key Key) (string, error) {
	rec, err := s.Snapshot(ctx, key)
	if err != nil {
		return "", err
	}
	return s.catalog.Match(rec.Config), nil
}

// RecordTrade учитывает подтверждённую сделку: дневной объём, число сделок,
// время последней сделки и экспозицию (продажи её уменьшают, не ниже нуля).
func (s *Service) RecordTrade(ctx context.Context, key Key, intent domain.ActionIntent) (domain.GuardiansState, error) {
	_, rec, err := s.mutate(ctx, key, "record trade", func(rec *Record) error {
		st := &rec.State
		n := intent.NotionalUSD()

		st.DailySpend += n
		st.TradeCount++
		st.LastTradeAt = s.clock.Now()

		if intent.Category() != domain.CategoryTrade {
			return nil
		}
		asset := intent.Asset()
		if intent.AddsExposure() {
			st.ExposureByAsset[asset] += n
			return nil
		}
		if left := st.ExposureByAsset[asset] - n; left > 0 {
			st.ExposureByAsset[asset] = left
		} else {
			delete(st.ExposureByAsset, asset)
		}
		return nil
	})
	return rec.State, err
}

// ApplyPreset атомарно заменяет весь конфиг. Счётчики не трогаются.
func (s *Service) ApplyPreset(ctx context.Context, key Key, name string) (domain.GuardiansConfig, error) {
	cfg, err := s.catalog.Get(name)
	if err != nil {
		return domain.GuardiansConfig{}, err
	}
	_, rec, err := s.mutate(ctx, key, "apply preset", func(rec *Record) error {
		rec.Config = cfg.Clone()
		return nil
	})
	if err == nil {
		s.logger.Info("preset applied", zap.String("key", normalize(key).String()), zap.String("preset", name))
	}
	return rec.Config, err
}

func (s *Service) ToggleGuardian(ctx context.Context, key Key, g domain.GuardianType, on bool) (domain.GuardiansConfig, error) {
	_, rec, err := s.mutate(ctx, key, "toggle guardian", func(rec *Record) error {
		return rec.Config.SetEnabled(g, on)
	})
	return rec.Config, err
}

// PatchGuardian применяет JSON-патч к секции одного гардиана.
// Неизвестные поля и значения вне диапазона отклоняются целиком.
func (s *Service) PatchGuardian(ctx context.Context, key Key, g domain.GuardianType, patch []byte) (domain.GuardiansConfig, error) {
	_, rec, err := s.mutate(ctx, key, "patch guardian", func(rec *Record) error {
		section, err := rec.Config.Section(g)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(patch))
		dec.DisallowUnknownFields()
		if err := dec.Decode(section); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return rec.Config.Validate()
	})
	return rec.Config, err
}

// SimulateDrawdownBreach включает остановку торговли, как при реальном превышении просадки.
func (s *Service) SimulateDrawdownBreach(ctx context.Context, key Key) (domain.GuardiansState, error) {
	_, rec, err := s.mutate(ctx, key, "simulate drawdown", func(rec *Record) error {
		rec.State.Halted = true
		rec.State.HaltReason = "simulated drawdown breach"
		rec.State.CurrentDrawdown = max(rec.State.CurrentDrawdown, rec.Config.Loss.MaxDrawdown)
		return nil
	})
	return rec.State, err
}

// ReportDrawdown обновляет текущую просадку (в процентах). Если гардиан loss включён
// и предел достигнут, торговля останавливается до ResumeTrading.
func (s *Service) ReportDrawdown(ctx context.Context, key Key, pct float64) (domain.GuardiansState, error) {
	if pct < 0 || pct > 100 {
		return domain.GuardiansState{}, fmt.Errorf("%w: drawdown must be within [0, 100]", domain.ErrValidation)
	}
	_, rec, err := s.mutate(ctx, key, "report drawdown", func(rec *Record) error {
		rec.State.CurrentDrawdown = pct
		loss := rec.Config.Loss
		if loss.Enabled && loss.MaxDrawdown > 0 && pct >= loss.MaxDrawdown && !rec.State.Halted {
			rec.State.Halted = true
			rec.State.HaltReason = fmt.Sprintf("drawdown %g%% reached max %g%%", pct, loss.MaxDrawdown)
		}
		return nil
	})
	return rec.State, err
}

// ResumeTrading — единственный способ снять остановку.
func (s *Service) ResumeTrading(ctx context.Context, key Key) (domain.GuardiansState, error) {
	_, rec, err := s.mutate(ctx, key, "resume trading", func(rec *Record) error {
		rec.State.Halted = false
		rec.State.HaltReason = ""
		return nil
	})
	return rec.State, err
}

// SimulateOutsideHours действует, пока включён гардиан timeWindow.
func (s *Service) SimulateOutsideHours(ctx context.Context, key Key, on bool) (domain.GuardiansConfig, error) {
	_, rec, err := s.mutate(ctx, key, "simulate outside hours", func(rec *Record) error {
		rec.Config.TimeWindow.SimulateOutsideHours = on
		return nil
	})
	return rec.Config, err
}

// ResetState обнуляет счётчики. Остановка торговли сохраняется.
func (s *Service) ResetState(ctx context.Context, key Key) (domain.GuardiansState, error) {
	_, rec, err := s.mutate(ctx, key, "reset state", func(rec *Record) error {
		fresh := domain.NewGuardiansState(s.clock.Now())
		fresh.Halted = rec.State.Halted
		fresh.HaltReason = rec.State.HaltReason
		fresh.CurrentDrawdown = rec.State.CurrentDrawdown
		rec.State = fresh
		return nil
	})
	return rec.State, err
}
