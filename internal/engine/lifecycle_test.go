package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/audit"
	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/connectors"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/guardians"
	"github.com/xela07ax/guardian-gateway/internal/presets"
	"github.com/xela07ax/guardian-gateway/internal/risk"
)

var (
	t0  = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	acc = guardians.Key{Org: "acme", Account: "desk-1"}
)

type harness struct {
	clk    *clock.Fake
	svc    *guardians.Service
	signer *connectors.MockSigner
	log    *audit.MemoryLog
	ctrl   *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	svc, err := guardians.NewService(nil, presets.New(), clk, zap.NewNop(), guardians.Options{})
	require.NoError(t, err)

	h := &harness{
		clk:    clk,
		svc:    svc,
		signer: connectors.NewMockSigner(clk),
		log:    audit.NewMemoryLog(),
	}
	h.ctrl = NewController(svc, risk.NewEngine(clk, zap.NewNop()), h.signer, h.log, clk, nil, zap.NewNop(),
		ControllerConfig{ChainID: 8453, DefaultAccountID: "mock-vault-1"})
	return h
}

func buy(usd float64) domain.SpotOrder {
	return domain.SpotOrder{ID: "order-1", Side: domain.SideBuy, Market: "ETH-USD", Notional: usd}
}

func (h *harness) records(t *testing.T) []audit.Record {
	t.Helper()
	page, err := h.log.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	return page.Records
}

func stagesOf(st *domain.TransactionState) []domain.Stage {
	out := make([]domain.Stage, 0, len(st.History))
	for _, m := range st.History {
		out = append(out, m.Stage)
	}
	return out
}

func TestSubmitConfirmedRecordsTradeOnce(t *testing.T) {
	h := newHarness(t)
	// лишние события после end не должны повторно записать сделку
	h.signer.Enqueue(connectors.Script{Outcome: connectors.OutcomeConfirm, ExtraEvents: true})
	ctx := WithTraceID(context.Background(), "trace-1")

	out, err := h.ctrl.Submit(ctx, acc, buy(100))
	require.NoError(t, err)
	h.signer.Wait()

	assert.True(t, out.Success)
	assert.Equal(t, domain.StageConfirmed, out.Stage)
	assert.Equal(t, audit.SourceRemote, out.Source)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, out.TxHash)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, []domain.Stage{
		domain.StageIdle, domain.StageProposed, domain.StagePolicyCheck, domain.StageSigning,
		domain.StageCombining, domain.StageBroadcasting, domain.StageConfirming, domain.StageConfirmed,
	}, stagesOf(out.Transaction))

	st, err := h.svc.State(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 100.0, st.DailySpend)
	assert.Zero(t, h.svc.InFlight(acc))

	sub := h.signer.Submitted()
	require.Len(t, sub, 1)
	assert.Equal(t, "desk-1", sub[0].AccountID)
	assert.Equal(t, uint64(8453), sub[0].ChainID)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.StatusConfirmed, recs[0].Status)
	assert.Equal(t, audit.SourceRemote, recs[0].Source)
	assert.Equal(t, out.TxHash, recs[0].TxHash)
	assert.Equal(t, "trace-1", recs[0].TraceID)
	assert.Equal(t, "order-1", recs[0].OrderID)
	assert.Equal(t, out.AuditID, recs[0].ID)
}

func TestSubmitRemotePolicyDenial(t *testing.T) {
	h := newHarness(t)
	h.signer.Enqueue(connectors.Script{
		Outcome:     connectors.OutcomePolicyDeny,
		Denial:      connectors.PolicyDenial{Reason: "counterparty not whitelisted", RuleID: "wl-3", Details: map[string]any{"to": "0x1"}},
		ExtraEvents: true,
	})

	out, err := h.ctrl.Submit(context.Background(), acc, buy(100))
	require.NoError(t, err)
	h.signer.Wait()

	// локальная проверка прошла, но решение платформы главнее
	require.NotNil(t, out.Check)
	assert.True(t, out.Check.Passed)
	assert.False(t, out.Success)
	assert.Equal(t, domain.StageDenied, out.Stage)
	require.NotNil(t, out.PolicyBreach)
	assert.Equal(t, "wl-3", out.PolicyBreach.RuleID)
	assert.Equal(t, "counterparty not whitelisted", out.PolicyBreach.Reason)
	assert.Contains(t, out.Error, domain.ErrRemotePolicyDenied.Error())
	assert.Empty(t, out.TxHash)

	st, err := h.svc.State(context.Background(), acc)
	require.NoError(t, err)
	assert.Zero(t, st.TradeCount)
	assert.Zero(t, st.DailySpend)
	assert.Zero(t, h.svc.InFlight(acc))

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.StatusDenied, recs[0].Status)
	assert.Equal(t, audit.SourceRemote, recs[0].Source)
	require.NotNil(t, recs[0].PolicyBreach)
}

func TestSubmitLocalDenialSkipsSigner(t *testing.T) {
	h := newHarness(t)

	out, err := h.ctrl.Submit(context.Background(), acc, buy(300))
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, domain.StageDenied, out.Stage)
	assert.Equal(t, audit.SourceLocal, out.Source)
	require.NotNil(t, out.Check)
	p, ok := out.Check.Primary()
	require.True(t, ok)
	assert.Equal(t, domain.GuardianSpend, p.Guardian)
	assert.Contains(t, p.Reason, "exceeds max $250")
	assert.Nil(t, out.Transaction)
	assert.Empty(t, h.signer.Submitted())

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.StatusDenied, recs[0].Status)
	assert.Equal(t, audit.SourceLocal, recs[0].Source)
	assert.Contains(t, recs[0].Error, domain.ErrGuardianDenied.Error())
}

func TestSubmitValidationError(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Submit(context.Background(), acc, domain.SpotOrder{Side: domain.SideBuy, Notional: 10})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.ctrl.Submit(context.Background(), acc, nil)
	require.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, h.signer.Submitted())
	assert.Empty(t, h.records(t))
}

func TestSubmitSigningFailure(t *testing.T) {
	h := newHarness(t)
	h.signer.Enqueue(connectors.Script{Outcome: connectors.OutcomeFail, FailAt: connectors.StageCombine, Err: errors.New("mpc round timeout")})

	out, err := h.ctrl.Submit(context.Background(), acc, buy(50))
	require.NoError(t, err)

	assert.Equal(t, domain.StageFailed, out.Stage)
	assert.Equal(t, "combine failed: mpc round timeout", out.Error)
	assert.Nil(t, out.PolicyBreach)

	st, _ := h.svc.State(context.Background(), acc)
	assert.Zero(t, st.TradeCount)
	assert.Zero(t, h.svc.InFlight(acc))
	assert.Equal(t, audit.StatusFailed, h.records(t)[0].Status)
}

func TestSubmitRejectedBySigner(t *testing.T) {
	h := newHarness(t)
	h.signer.Enqueue(connectors.Script{RejectSubmit: &connectors.TransportError{Op: "submit", StatusCode: 503, Temporary: true, Err: errors.New("unavailable")}})

	out, err := h.ctrl.Submit(context.Background(), acc, buy(50))
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, out.Stage)
	assert.Contains(t, out.Error, domain.ErrTransport.Error())
	assert.Zero(t, h.svc.InFlight(acc))
}

func TestSubmitTimeoutExpires(t *testing.T) {
	h := newHarness(t)
	h.signer.Enqueue(connectors.Script{Outcome: connectors.OutcomeHang, HangAt: connectors.StageSign})

	done := make(chan Outcome, 1)
	go func() {
		out, err := h.ctrl.Submit(context.Background(), acc, buy(50))
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool { return h.clk.Waiters() == 1 }, 2*time.Second, time.Millisecond)
	h.clk.Advance(DefaultSignerTimeout)

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not resolve after timeout")
	}
	h.signer.Wait()

	assert.Equal(t, domain.StageExpired, out.Stage)
	assert.Contains(t, out.Error, domain.ErrTimeout.Error())
	assert.Len(t, h.signer.Cancelled(), 1)

	st, _ := h.svc.State(context.Background(), acc)
	assert.Zero(t, st.TradeCount)
	assert.Zero(t, h.svc.InFlight(acc))
	assert.Equal(t, audit.StatusExpired, h.records(t)[0].Status)
}

// acceptedSigner сообщает, что подписант принял отправку.
type acceptedSigner struct {
	connectors.Signer
	accepted chan struct{}
}

func (s *acceptedSigner) Submit(ctx context.Context, req connectors.SubmitRequest, cb connectors.Callbacks) (connectors.Operation, error) {
	op, err := s.Signer.Submit(ctx, req, cb)
	if err == nil {
		close(s.accepted)
	}
	return op, err
}

func TestSubmitCallerCancelAfterAcceptance(t *testing.T) {
	h := newHarness(t)
	h.signer.Enqueue(connectors.Script{Outcome: connectors.OutcomeHang, HangAt: connectors.StageSign})
	signer := &acceptedSigner{Signer: h.signer, accepted: make(chan struct{})}
	ctrl := NewController(h.svc, risk.NewEngine(h.clk, zap.NewNop()), signer, h.log, h.clk, nil, zap.NewNop(), ControllerConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() {
		out, _ := ctrl.Submit(ctx, acc, buy(50))
		done <- out
	}()
	select {
	case <-signer.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("signer did not accept")
	}
	cancel()

	select {
	case out := <-done:
		// исход определяет платформа: мок завершает зависшую операцию ошибкой
		assert.Equal(t, domain.StageFailed, out.Stage)
		assert.Contains(t, out.Error, connectors.ErrCancelled.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not resolve after cancel")
	}
	h.signer.Wait()
	assert.Len(t, h.signer.Cancelled(), 1)
	assert.Zero(t, h.svc.InFlight(acc))
}

func TestSubmitCancelledBeforeAcceptance(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.ctrl.Submit(ctx, acc, buy(50))
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, out.Stage)
	assert.Contains(t, out.Error, "cancelled before signer accepted")
	assert.Zero(t, h.svc.InFlight(acc))
}

func TestSubmitSequentialTradesHitDailyLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.PatchGuardian(ctx, acc, domain.GuardianSpend, []byte(`{"max_daily": 150}`))
	require.NoError(t, err)
	_, err = h.svc.ToggleGuardian(ctx, acc, domain.GuardianRate, false)
	require.NoError(t, err)

	out, err := h.ctrl.Submit(ctx, acc, buy(100))
	require.NoError(t, err)
	assert.True(t, out.Success)

	out, err = h.ctrl.Submit(ctx, acc, buy(100))
	require.NoError(t, err)
	assert.Equal(t, audit.SourceLocal, out.Source)
	p, _ := out.Check.Primary()
	assert.Equal(t, domain.GuardianSpend, p.Guardian)
	assert.Contains(t, p.Reason, "100.00 + $100.00 = $200.00")
	assert.Len(t, h.signer.Submitted(), 1)
}

func TestAnonymousUsesDefaultSignerAccount(t *testing.T) {
	h := newHarness(t)

	out, err := h.ctrl.Submit(context.Background(), guardians.Key{}, buy(20))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "mock-vault-1", h.signer.Submitted()[0].AccountID)

	page, err := h.log.Query(context.Background(), audit.Filter{Account: "anonymous"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Empty(t, page.Records[0].Org)
}

func TestEvaluateIsDryRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.ctrl.Evaluate(ctx, acc, buy(100))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Empty(t, out.Stage)

	out, err = h.ctrl.Evaluate(ctx, acc, buy(900))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, domain.StageDenied, out.Stage)

	assert.Empty(t, h.signer.Submitted())
	st, _ := h.svc.State(ctx, acc)
	assert.Zero(t, st.TradeCount)

	recs := h.records(t)
	require.Len(t, recs, 2)
	statuses := []audit.Status{recs[0].Status, recs[1].Status}
	assert.ElementsMatch(t, []audit.Status{audit.StatusApproved, audit.StatusDenied}, statuses)
	assert.Equal(t, audit.SourceLocal, recs[0].Source)
}

func TestTestDenialForEveryGuardian(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, g := range domain.CanonicalOrder() {
		out, err := h.ctrl.TestDenial(ctx, acc, g)
		require.NoError(t, err, g)
		assert.False(t, out.Success, g)
		assert.Equal(t, audit.SourceTest, out.Source)
		p, ok := out.Check.Primary()
		require.True(t, ok, g)
		assert.Equal(t, g, p.Guardian)
	}

	// реальный конфиг не тронут
	cfg, err := h.svc.Config(ctx, acc)
	require.NoError(t, err)
	assert.True(t, cfg.Equal(presets.New().MustGet(presets.Default)))

	st, err := h.log.Stats(ctx, audit.Filter{Sources: []audit.Source{audit.SourceTest}})
	require.NoError(t, err)
	assert.Equal(t, len(domain.CanonicalOrder()), st.Total)
	assert.Equal(t, st.Total, st.ByStatus[audit.StatusDenied])

	_, err = h.ctrl.TestDenial(ctx, acc, "nope")
	require.ErrorIs(t, err, domain.ErrUnknownGuardian)
}
