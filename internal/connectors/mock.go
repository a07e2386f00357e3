package connectors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/xela07ax/guardian-gateway/internal/clock"
)

// ErrCancelled — мок завершает зависшую операцию этой ошибкой после Cancel.
var ErrCancelled = errors.New("operation cancelled by client")

// MockOutcome — чем закончится сценарий.
type MockOutcome int

const (
	// OutcomeConfirm: propose, sign, combine, broadcast, end(receipt)
	OutcomeConfirm MockOutcome = iota
	// OutcomePolicyDeny: propose -> end (отказ политики платформы)
	OutcomePolicyDeny
	// OutcomeFail: сбой на стадии FailAt
	OutcomeFail
	// OutcomeHang: терминального события нет (до Cancel)
	OutcomeHang
)

// Script — сценарий одной отправки.
type Script struct {
	Outcome MockOutcome
	// Delay между стадиями (по часам мока)
	Delay  time.Duration
	Denial PolicyDenial
	FailAt SignerStage
	Err    error
	// RejectSubmit: отправка не принята (синхронная ошибка Submit)
	RejectSubmit error
	// ExtraEvents: после терминального события прислать ещё и противоречащие
	ExtraEvents bool
	// HangAt: на какой стадии зависнуть при OutcomeHang
	HangAt SignerStage
}

// MockSigner — сценарный подписант для демо-режима и тестов.
// Сценарии берутся из очереди Enqueue, по умолчанию, SetDefault.
type MockSigner struct {
	mu        sync.Mutex
	clock     clock.Clock
	def       Script
	queue     []Script
	submitted []SubmitRequest
	cancelled []string
	accounts  []Account
	wg        sync.WaitGroup
}

func NewMockSigner(c clock.Clock) *MockSigner {
	return &MockSigner{
		clock: clock.OrReal(c),
		accounts: []Account{{
			ID:       "mock-vault-1",
			Name:     "Mock vault",
			Address:  common.HexToAddress("0x1").Hex(),
			ChainIDs: []uint64{1, 8453},
		}},
	}
}

// Enqueue добавляет сценарии для следующих отправок.
func (m *MockSigner) Enqueue(s ...Script) {
	m.mu.Lock()
	m.queue = append(m.queue, s...)
	m.mu.Unlock()
}

// SetDefault меняет сценарий по умолчанию (демо-режим).
func (m *MockSigner) SetDefault(s Script) {
	m.mu.Lock()
	m.def = s
	m.mu.Unlock()
}

// Submitted — все принятые и отклонённые запросы.
func (m *MockSigner) Submitted() []SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubmitRequest(nil), m.submitted...)
}

// Cancelled — id операций, для которых вызван Cancel.
func (m *MockSigner) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// Wait дожидается окончания всех сценариев.
func (m *MockSigner) Wait() { m.wg.Wait() }

func (m *MockSigner) next() Script {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return m.def
	}
	s := m.queue[0]
	m.queue = m.queue[1:]
	return s
}

func (m *MockSigner) ListAccounts(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Account(nil), m.accounts...), nil
}

type mockOperation struct {
	id     string
	cancel chan struct{}
	once   sync.Once
	signer *MockSigner
}

func (o *mockOperation) ID() string { return o.id }

func (o *mockOperation) Cancel() {
	o.once.Do(func() {
		o.signer.mu.Lock()
		o.signer.cancelled = append(o.signer.cancelled, o.id)
		o.signer.mu.Unlock()
		close(o.cancel)
	})
}

func (m *MockSigner) Submit(ctx context.Context, req SubmitRequest, cb Callbacks) (Operation, error) {
	script := m.next()

	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()

	if script.RejectSubmit != nil {
		return nil, script.RejectSubmit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	op := &mockOperation{id: uuid.NewString(), cancel: make(chan struct{}), signer: m}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(op, script, cb)
	}()
	return op, nil
}

// run проигрывает сценарий. Cancel соблюдается только для зависших операций:
// в остальных случаях платформа доводит отправку до конца.
func (m *MockSigner) run(op *mockOperation, s Script, cb Callbacks) {
	stages := []struct {
		stage SignerStage
		fire  func()
	}{
		{StagePropose, cb.OnPropose},
		{StageSign, cb.OnSign},
		{StageCombine, cb.OnCombine},
		{StageBroadcast, cb.OnBroadcast},
	}

	for _, st := range stages {
		if s.Delay > 0 {
			<-m.clock.After(s.Delay)
		}

		if s.Outcome == OutcomeHang && st.stage == s.HangAt {
			<-op.cancel
			call2(cb.OnStageToEnd, st.stage, ErrCancelled)
			return
		}
		call0(st.fire)

		switch {
		case s.Outcome == OutcomePolicyDeny && st.stage == StagePropose:
			call1(cb.OnProposeToEnd, s.Denial)
			if s.ExtraEvents {
				call0(cb.OnSign)
				call1(cb.OnEnd, Receipt{TxHash: randomHash()})
			}
			return
		case s.Outcome == OutcomeFail && st.stage == s.FailAt:
			err := s.Err
			if err == nil {
				err = errors.New("signing failed")
			}
			call2(cb.OnStageToEnd, st.stage, err)
			if s.ExtraEvents {
				call1(cb.OnEnd, Receipt{TxHash: randomHash()})
			}
			return
		}
	}

	if s.Outcome == OutcomeHang {
		// HangAt не задан: зависаем после broadcast
		<-op.cancel
		call2(cb.OnStageToEnd, StageBroadcast, ErrCancelled)
		return
	}

	call1(cb.OnEnd, Receipt{TxHash: randomHash()})
	if s.ExtraEvents {
		call1(cb.OnEnd, Receipt{TxHash: randomHash()})
		call2(cb.OnStageToEnd, StageBroadcast, errors.New("late failure"))
	}
}

func randomHash() string {
	a, b := uuid.New(), uuid.New()
	return common.BytesToHash(append(a[:], b[:]...)).Hex()
}

func call0(f func()) {
	if f != nil {
		f()
	}
}

func call1[T any](f func(T), v T) {
	if f != nil {
		f(v)
	}
}

func call2(f func(SignerStage, error), s SignerStage, err error) {
	if f != nil {
		f(s, err)
	}
}
