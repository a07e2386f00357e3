package engine

/*
Адаптер протокола подписанта: колбэки стадий превращаются в типизированный
поток событий и одно разрешение исхода (Pending | Resolved).
Первое терминальное событие разрешает операцию; всё, что приходит после, игнорируется.
*/

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/connectors"
	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// StageEvent — событие жизненного цикла. Для терминальных стадий Final == true.
type StageEvent struct {
	Stage domain.Stage
	At    time.Time
	Final bool
}

type resolution int

const (
	pending resolution = iota
	resolved
)

// Tracker — автомат одной отправки.
type Tracker struct {
	clock clock.Clock

	mu     sync.Mutex
	status resolution
	state  domain.TransactionState
	events chan StageEvent
	done   chan struct{}
}

func NewTracker(c clock.Clock) *Tracker {
	c = clock.OrReal(c)
	now := c.Now()
	return &Tracker{
		clock: c,
		state: domain.TransactionState{
			Stage:     domain.StageIdle,
			StartedAt: now,
			History:   []domain.StageMark{{Stage: domain.StageIdle, At: now}},
		},
		// стадий конечное число: буфера хватает на весь путь
		events: make(chan StageEvent, 16),
		done:   make(chan struct{}),
	}
}

// Events — поток стадий. Закрывается после терминального события.
func (t *Tracker) Events() <-chan StageEvent { return t.events }

// Done закрывается при разрешении.
func (t *Tracker) Done() <-chan struct{} { return t.done }

func (t *Tracker) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == resolved
}

// State — копия текущего состояния.
func (t *Tracker) State() domain.TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state
	st.History = append([]domain.StageMark(nil), t.state.History...)
	if t.state.CompletedAt != nil {
		at := *t.state.CompletedAt
		st.CompletedAt = &at
	}
	return st
}

// Advance переводит в нетерминальную стадию. Назад и после разрешения, нет.
func (t *Tracker) Advance(stage domain.Stage) bool {
	if stage.IsTerminal() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == resolved || !t.state.Stage.CanAdvanceTo(stage) {
		return false
	}
	t.markLocked(stage, false)
	return true
}

// Resolve — единственный переход в терминальную стадию.
// apply дополняет состояние (хэш, причина отказа); вызывается только у победителя.
func (t *Tracker) Resolve(stage domain.Stage, apply func(st *domain.TransactionState)) bool {
	if !stage.IsTerminal() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == resolved {
		return false
	}
	t.status = resolved

	if apply != nil {
		apply(&t.state)
	}
	at := t.markLocked(stage, true)
	t.state.CompletedAt = &at

	close(t.events)
	close(t.done)
	return true
}

func (t *Tracker) markLocked(stage domain.Stage, final bool) time.Time {
	now := t.clock.Now()
	t.state.Stage = stage
	t.state.History = append(t.state.History, domain.StageMark{Stage: stage, At: now})

	select {
	case t.events <- StageEvent{Stage: stage, At: now, Final: final}:
	default:
	}
	return now
}

// Callbacks — колбэки подписанта, переведённые на внутренние стадии.
func (t *Tracker) Callbacks() connectors.Callbacks {
	return connectors.Callbacks{
		OnPropose:   func() { t.Advance(domain.StagePolicyCheck) },
		OnSign:      func() { t.Advance(domain.StageSigning) },
		OnCombine:   func() { t.Advance(domain.StageCombining) },
		OnBroadcast: func() { t.Advance(domain.StageBroadcasting) },
		OnEnd: func(rc connectors.Receipt) {
			t.Advance(domain.StageConfirming)
			t.Resolve(domain.StageConfirmed, func(st *domain.TransactionState) {
				st.TxHash = rc.TxHash
			})
		},
		OnProposeToEnd: func(d connectors.PolicyDenial) {
			t.Resolve(domain.StageDenied, func(st *domain.TransactionState) {
				st.PolicyBreach = &domain.PolicyBreach{Reason: d.Reason, RuleID: d.RuleID, Details: d.Details}
				st.Error = fmt.Errorf("%w: %s", domain.ErrRemotePolicyDenied, d.Reason).Error()
			})
		},
		OnStageToEnd: func(stage connectors.SignerStage, err error) {
			if err == nil {
				err = errors.New("unknown signer error")
			}
			t.Resolve(domain.StageFailed, func(st *domain.TransactionState) {
				st.Error = fmt.Sprintf("%s failed: %v", stage, err)
			})
		},
	}
}
