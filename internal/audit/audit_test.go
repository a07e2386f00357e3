package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func rec(id string, at time.Duration, status Status, src Source) Record {
	return Record{
		ID:         id,
		Timestamp:  t0.Add(at),
		ActionType: domain.KindSpotBuy,
		Account:    "desk-1",
		Status:     status,
		Source:     src,
		Payload:    map[string]any{"notional": 10.0},
	}
}

func TestStatusTransitions(t *testing.T) {
	r := Record{ID: "a", Status: StatusPending}
	require.ErrorIs(t, r.Resolve(StatusPending), ErrInvalidTransition)
	require.NoError(t, r.Resolve(StatusDenied))
	assert.Equal(t, StatusDenied, r.Status)
	require.ErrorIs(t, r.Resolve(StatusConfirmed), ErrAlreadyFinal)

	assert.Equal(t, StatusExpired, StatusForStage(domain.StageExpired))
	assert.Equal(t, StatusPending, StatusForStage(domain.StageSigning))
}

func TestMemoryLogRejectsDrafts(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	require.ErrorIs(t, l.Record(ctx, Record{ID: "x", Status: StatusPending}), domain.ErrValidation)
	require.ErrorIs(t, l.Record(ctx, Record{Status: StatusDenied}), domain.ErrValidation)
	assert.Zero(t, l.Len())
}

func TestMemoryLogOrderingAndPagination(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, rec("a", 0, StatusConfirmed, SourceRemote)))
	require.NoError(t, l.Record(ctx, rec("c", time.Minute, StatusDenied, SourceLocal)))
	require.NoError(t, l.Record(ctx, rec("b", time.Minute, StatusFailed, SourceRemote)))
	require.NoError(t, l.Record(ctx, rec("d", 2*time.Minute, StatusApproved, SourceLocal)))

	page, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, DefaultLimit, page.Limit)
	ids := func(p Page) (out []string) {
		for _, r := range p.Records {
			out = append(out, r.ID)
		}
		return out
	}
	// одинаковый timestamp: id по убыванию
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(page))

	page, err = l.Query(ctx, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(page))
	assert.Equal(t, 4, page.Total)

	page, err = l.Query(ctx, Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.NotNil(t, page.Records)

	assert.Equal(t, MaxLimit, Filter{Limit: 10_000}.Normalize().Limit)
}

func TestMemoryLogFilters(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	a := rec("a", 0, StatusConfirmed, SourceRemote)
	a.TxHash = "0xDEADbeef"
	b := rec("b", time.Minute, StatusDenied, SourceLocal)
	b.OrderID = "order-77"
	b.ActionType = domain.KindTransfer
	c := rec("c", 2*time.Minute, StatusDenied, SourceTest)
	c.Account = "desk-2"
	for _, r := range []Record{a, b, c} {
		require.NoError(t, l.Record(ctx, r))
	}

	cases := []struct {
		name string
		f    Filter
		want []string
	}{
		{"status", Filter{Statuses: []Status{StatusDenied}}, []string{"c", "b"}},
		{"type", Filter{ActionTypes: []domain.ActionKind{domain.KindTransfer}}, []string{"b"}},
		{"source", Filter{Sources: []Source{SourceRemote, SourceTest}}, []string{"c", "a"}},
		{"account", Filter{Account: "desk-2"}, []string{"c"}},
		{"search tx", Filter{Search: "deadBEEF"}, []string{"a"}},
		{"search order", Filter{Search: " order-7 "}, []string{"b"}},
		{"range", Filter{From: t0.Add(time.Minute), To: t0.Add(2 * time.Minute)}, []string{"b"}},
		{"combined", Filter{Statuses: []Status{StatusDenied}, Sources: []Source{SourceLocal}}, []string{"b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := l.Query(ctx, tc.f)
			require.NoError(t, err)
			var got []string
			for _, r := range page.Records {
				got = append(got, r.ID)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMemoryLogIsAppendOnly(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	r := rec("a", 0, StatusDenied, SourceLocal)
	r.Result = &domain.GuardianCheckResult{Denials: []domain.GuardianDenial{{Guardian: domain.GuardianSpend, Reason: "x"}}}
	require.NoError(t, l.Record(ctx, r))

	// изменения исходника и прочитанной копии не видны в логе
	r.Payload["notional"] = 99.0
	r.Result.Denials[0].Reason = "mutated"
	page, _ := l.Query(ctx, Filter{})
	page.Records[0].Payload["notional"] = 1.0

	page, _ = l.Query(ctx, Filter{})
	assert.Equal(t, 10.0, page.Records[0].Payload["notional"])
	assert.Equal(t, "x", page.Records[0].Result.Denials[0].Reason)
}

func TestStats(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	d := rec("a", 0, StatusDenied, SourceLocal)
	d.Result = &domain.GuardianCheckResult{Denials: []domain.GuardianDenial{
		{Guardian: domain.GuardianRate}, {Guardian: domain.GuardianSpend},
	}}
	require.NoError(t, l.Record(ctx, d))
	require.NoError(t, l.Record(ctx, rec("b", 0, StatusConfirmed, SourceRemote)))
	require.NoError(t, l.Record(ctx, rec("c", 0, StatusConfirmed, SourceRemote)))

	st, err := l.Stats(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByStatus[StatusConfirmed])
	assert.Equal(t, 1, st.BySource[SourceLocal])
	// первичная причина в каноническом порядке
	assert.Equal(t, map[domain.GuardianType]int{domain.GuardianSpend: 1}, st.ByGuardian)

	st, err = l.Stats(ctx, Filter{Sources: []Source{SourceLocal}})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestMemoryLogConcurrentAppends(t *testing.T) {
	l := NewMemoryLog()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(context.Background(), rec(fmt.Sprintf("r-%02d", i), 0, StatusApproved, SourceLocal))
			_, _ = l.Query(context.Background(), Filter{Limit: 5})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
}

// batchStore считает вызовы WriteBatch.
type batchStore struct {
	mu      sync.Mutex
	batches [][]Record
	fail    error
}

func (s *batchStore) WriteBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Record(nil), records...))
	return s.fail
}

func (s *batchStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestBatchWriterFlushesBySizeAndOnStop(t *testing.T) {
	store := &batchStore{}
	w := NewBatchWriter(store, BatchWriterConfig{BatchSize: 3, FlushInterval: time.Hour}, zap.NewNop())
	w.Start()

	for i := range 7 {
		require.True(t, w.Enqueue(rec(fmt.Sprintf("r-%d", i), 0, StatusApproved, SourceLocal)))
	}
	require.Eventually(t, func() bool { return store.total() == 6 }, 2*time.Second, 5*time.Millisecond)

	w.Stop()
	assert.Equal(t, 7, store.total())
	store.mu.Lock()
	assert.Len(t, store.batches, 3)
	store.mu.Unlock()

	// после остановки записи отбрасываются, повторный Stop безопасен
	assert.False(t, w.Enqueue(rec("late", 0, StatusApproved, SourceLocal)))
	w.Stop()
}

func TestBatchWriterFlushesByTicker(t *testing.T) {
	store := &batchStore{}
	w := NewBatchWriter(store, BatchWriterConfig{FlushInterval: 10 * time.Millisecond}, nil)
	w.Start()
	defer w.Stop()

	w.Enqueue(rec("a", 0, StatusApproved, SourceLocal))
	require.Eventually(t, func() bool { return store.total() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBatchWriterShedsLoad(t *testing.T) {
	var dropped []string
	w := NewBatchWriter(&batchStore{}, BatchWriterConfig{
		BufferSize: 2,
		OnDrop:     func(r Record) { dropped = append(dropped, r.ID) },
	}, zap.NewNop())
	// воркер не запущен: буфер заполняется
	assert.True(t, w.Enqueue(rec("a", 0, StatusApproved, SourceLocal)))
	assert.True(t, w.Enqueue(rec("b", 0, StatusApproved, SourceLocal)))
	assert.False(t, w.Enqueue(rec("c", 0, StatusApproved, SourceLocal)))
	assert.Equal(t, []string{"c"}, dropped)
	assert.Equal(t, 2, w.Len())
	assert.Equal(t, 2, w.Cap())
}

func TestBatchWriterKeepsRunningAfterStoreError(t *testing.T) {
	store := &batchStore{fail: errors.New("db down")}
	w := NewBatchWriter(store, BatchWriterConfig{BatchSize: 1}, zap.NewNop())
	w.Start()
	w.Enqueue(rec("a", 0, StatusApproved, SourceLocal))
	w.Enqueue(rec("b", 0, StatusApproved, SourceLocal))
	w.Stop()
	assert.Equal(t, 2, store.total())
}

func TestPersistentLog(t *testing.T) {
	mem := NewMemoryLog()
	w := NewBatchWriter(mem, BatchWriterConfig{BatchSize: 1}, zap.NewNop())
	w.Start()
	l := NewPersistentLog(w, mem)
	ctx := context.Background()

	require.ErrorIs(t, l.Record(ctx, Record{ID: "draft", Status: StatusPending}), domain.ErrValidation)
	require.NoError(t, l.Record(ctx, rec("a", 0, StatusConfirmed, SourceRemote)))
	w.Stop()

	page, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "a", page.Records[0].ID)

	st, err := l.Stats(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, st.ByStatus[StatusConfirmed])

	require.ErrorIs(t, l.Record(ctx, rec("b", 0, StatusConfirmed, SourceRemote)), ErrDropped)
}
