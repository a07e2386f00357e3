package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/connectors"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/guardians"
)

func TestTrackerResolvesExactlyOnce(t *testing.T) {
	tr := NewTracker(clock.NewFake(t0))
	cb := tr.Callbacks()

	require.True(t, tr.Advance(domain.StageProposed))
	cb.OnPropose()
	cb.OnSign()
	// назад автомат не ходит
	assert.False(t, tr.Advance(domain.StageProposed))

	cb.OnProposeToEnd(connectors.PolicyDenial{Reason: "limit", RuleID: "r-1"})
	cb.OnEnd(connectors.Receipt{TxHash: "0xlate"})
	cb.OnStageToEnd(connectors.StageSign, errors.New("late"))
	assert.False(t, tr.Resolve(domain.StageExpired, nil))
	assert.False(t, tr.Advance(domain.StageBroadcasting))

	select {
	case <-tr.Done():
	default:
		t.Fatal("tracker not resolved")
	}
	st := tr.State()
	assert.Equal(t, domain.StageDenied, st.Stage)
	assert.Empty(t, st.TxHash)
	require.NotNil(t, st.PolicyBreach)
	assert.Equal(t, "r-1", st.PolicyBreach.RuleID)
	require.NotNil(t, st.CompletedAt)

	var stream []domain.Stage
	var finals int
	for ev := range tr.Events() {
		stream = append(stream, ev.Stage)
		if ev.Final {
			finals++
		}
	}
	assert.Equal(t, []domain.Stage{domain.StageProposed, domain.StagePolicyCheck, domain.StageSigning, domain.StageDenied}, stream)
	assert.Equal(t, 1, finals)
}

func TestTrackerConcurrentTerminalEvents(t *testing.T) {
	tr := NewTracker(nil)
	cb := tr.Callbacks()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				cb.OnEnd(connectors.Receipt{TxHash: "0xabc"})
			} else {
				cb.OnStageToEnd(connectors.StageBroadcast, errors.New("boom"))
			}
		}()
	}
	wg.Wait()

	st := tr.State()
	assert.True(t, st.Stage == domain.StageConfirmed || st.Stage == domain.StageFailed)
	terminal := 0
	for _, m := range st.History {
		if m.Stage.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

// flakySigner — подписант со сценарием ошибок ListAccounts.
type flakySigner struct {
	mu        sync.Mutex
	listErrs  []error
	listCalls int
	submits   int
	submitErr error
}

func (s *flakySigner) Submit(context.Context, connectors.SubmitRequest, connectors.Callbacks) (connectors.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	return nil, s.submitErr
}

func (s *flakySigner) ListAccounts(context.Context) ([]connectors.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		return nil, err
	}
	return []connectors.Account{{ID: "vault-1"}}, nil
}

func TestReliableSignerRetriesListAccounts(t *testing.T) {
	next := &flakySigner{listErrs: []error{
		&connectors.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("slow down")},
		&connectors.TransportError{Op: "list accounts", StatusCode: 502, Temporary: true, Err: errors.New("bad gateway")},
	}}
	s := NewReliableSigner(next, ReliabilityConfig{ListAttempts: 3}, nil, zap.NewNop())

	accounts, err := s.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, 3, next.listCalls)
}

func TestReliableSignerDoesNotRetryPermanentErrors(t *testing.T) {
	next := &flakySigner{listErrs: []error{
		&connectors.TransportError{Op: "list accounts", StatusCode: 401, Err: errors.New("unauthorized")},
	}}
	s := NewReliableSigner(next, ReliabilityConfig{}, nil, zap.NewNop())

	_, err := s.ListAccounts(context.Background())
	var trErr *connectors.TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, 401, trErr.StatusCode)
	assert.Equal(t, 1, next.listCalls)
}

func TestReliableSignerNeverRetriesSubmitAndTrips(t *testing.T) {
	next := &flakySigner{submitErr: &connectors.TransportError{Op: "submit", Temporary: true, Err: errors.New("eof")}}
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewReliableSigner(next, ReliabilityConfig{CBFailures: 2, CBTimeout: time.Hour}, metrics, zap.NewNop())

	for range 2 {
		_, err := s.Submit(context.Background(), connectors.SubmitRequest{}, connectors.Callbacks{})
		require.ErrorIs(t, err, domain.ErrTransport)
	}
	assert.Equal(t, 2, next.submits)
	assert.Equal(t, gobreaker.StateOpen, s.State())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("signer")))

	// разомкнутый предохранитель не пускает к подписанту
	_, err := s.Submit(context.Background(), connectors.SubmitRequest{}, connectors.Callbacks{})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, 2, next.submits)
}

func TestTracingMiddleware(t *testing.T) {
	var seen string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceHeader, "abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(TraceHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(TraceHeader))

	assert.Empty(t, TraceID(context.Background()))
}

type staticHalts []guardians.Key

func (s staticHalts) HaltedKeys(context.Context) ([]guardians.Key, error) { return s, nil }

type forwardRecorder struct{ signals []string }

func (f *forwardRecorder) NotifyHalt(_ context.Context, key guardians.Key, halted bool) error {
	f.signals = append(f.signals, guardians.HaltSignal(key, halted))
	return nil
}

func TestHaltBoard(t *testing.T) {
	desk2 := guardians.Key{Org: "acme", Account: "desk-2"}
	fwd := &forwardRecorder{}
	var changed []guardians.Key
	b := NewHaltBoard(staticHalts{desk2}, fwd, func(k guardians.Key) { changed = append(changed, k) }, zap.NewNop())

	require.NoError(t, b.Init(context.Background()))
	assert.True(t, b.IsHalted(desk2))

	b.OnSignal(guardians.HaltSignal(acc, true))
	assert.Equal(t, []string{"acme/desk-1", "acme/desk-2"}, b.Halted())
	assert.Equal(t, []guardians.Key{acc}, changed)

	b.OnSignal("garbage")
	assert.Len(t, changed, 1)

	require.NoError(t, b.NotifyHalt(context.Background(), desk2, false))
	assert.False(t, b.IsHalted(desk2))
	assert.Equal(t, []string{"acme/desk-2:off"}, fwd.signals)

	// Init заменяет локальное множество целиком
	require.NoError(t, b.Init(context.Background()))
	assert.Equal(t, []string{"acme/desk-2"}, b.Halted())
}

func TestHaltBoardAsServiceNotifier(t *testing.T) {
	h := newHarness(t)
	b := NewHaltBoard(nil, nil, nil, nil)
	svc, err := guardians.NewService(nil, h.svc.Catalog(), h.clk, zap.NewNop(), guardians.Options{Notifier: b})
	require.NoError(t, err)

	_, err = svc.SimulateDrawdownBreach(context.Background(), acc)
	require.NoError(t, err)
	assert.True(t, b.IsHalted(acc))

	_, err = svc.ResumeTrading(context.Background(), acc)
	require.NoError(t, err)
	assert.False(t, b.IsHalted(acc))
}

func TestWarmupHaltsWithoutRedis(t *testing.T) {
	b := NewHaltBoard(nil, nil, nil, nil)
	require.NoError(t, b.WarmupHalts(context.Background(), nil, staticHalts{acc}))
	assert.True(t, b.IsHalted(acc))
}
