package guardians

import (
	"context"
	"time"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// CheckFunc — проверка гардианами (risk.Engine.CheckAllGuardians).
type CheckFunc func(intent domain.ActionIntent, cfg domain.GuardiansConfig, state domain.GuardiansState) domain.GuardianCheckResult

// hold — сумма сделки, которая уже одобрена локально, но ещё не подтверждена подписантом.
type hold struct {
	notional float64
	asset    string
	adds     bool
	at       time.Time
}

// Reservation — удержание лимитов на время жизненного цикла транзакции.
// Ровно один из Commit/Release должен быть вызван; повторные вызовы игнорируются.
type Reservation struct {
	svc    *Service
	key    Key
	id     uint64
	intent domain.ActionIntent
	done   bool
}

// CheckAndReserve проверяет intent против состояния с учётом незавершённых сделок
// и, если проверка пройдена, удерживает лимиты. Параллельные отправки одного
// аккаунта видят удержания друг друга, поэтому не могут вместе превысить дневной лимит.
func (s *Service) CheckAndReserve(ctx context.Context, key Key, intent domain.ActionIntent, check CheckFunc) (domain.GuardianCheckResult, *Reservation, error) {
	key = normalize(key)
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.load(ctx, key)
	if err != nil {
		return domain.GuardianCheckResult{}, nil, err
	}
	res := check(intent, rec.Config, s.withHolds(key, rec.State))
	if !res.Passed {
		return res, nil, nil
	}

	s.inflightMu.Lock()
	s.holdSeq++
	id := s.holdSeq
	if s.inflight[key] == nil {
		s.inflight[key] = make(map[uint64]hold)
	}
	s.inflight[key][id] = hold{
		notional: intent.NotionalUSD(),
		asset:    intent.Asset(),
		adds:     intent.AddsExposure(),
		at:       s.clock.Now(),
	}
	s.inflightMu.Unlock()

	return res, &Reservation{svc: s, key: key, id: id, intent: intent}, nil
}

// Preview — та же проверка без удержания (dry-run).
func (s *Service) Preview(ctx context.Context, key Key, intent domain.ActionIntent, check CheckFunc) (domain.GuardianCheckResult, error) {
	key = normalize(key)
	rec, err := s.load(ctx, key)
	if err != nil {
		return domain.GuardianCheckResult{}, err
	}
	return check(intent, rec.Config, s.withHolds(key, rec.State)), nil
}

// withHolds добавляет к состоянию незавершённые сделки:
// объём, число сделок, экспозицию покупок и время для кулдауна.
func (s *Service) withHolds(key Key, st domain.GuardiansState) domain.GuardiansState {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	holds := s.inflight[key]
	if len(holds) == 0 {
		return st
	}
	st = st.Clone()
	for _, h := range holds {
		st.DailySpend += h.notional
		st.TradeCount++
		if h.adds {
			st.ExposureByAsset[h.asset] += h.notional
		}
		if h.at.After(st.LastTradeAt) {
			st.LastTradeAt = h.at
		}
	}
	return st
}

// InFlight — число незавершённых удержаний аккаунта.
func (s *Service) InFlight(key Key) int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight[normalize(key)])
}

func (s *Service) dropHold(key Key, id uint64) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	delete(s.inflight[key], id)
	if len(s.inflight[key]) == 0 {
		delete(s.inflight, key)
	}
}

// Commit записывает сделку в счётчики и снимает удержание.
func (r *Reservation) Commit(ctx context.Context) (domain.GuardiansState, error) {
	if r == nil || r.done {
		return domain.GuardiansState{}, nil
	}
	r.done = true
	defer r.svc.dropHold(r.key, r.id)
	return r.svc.RecordTrade(ctx, r.key, r.intent)
}

// Release снимает удержание без изменения счётчиков (отказ, ошибка, таймаут).
func (r *Reservation) Release() {
	if r == nil || r.done {
		return
	}
	r.done = true
	r.svc.dropHold(r.key, r.id)
}
