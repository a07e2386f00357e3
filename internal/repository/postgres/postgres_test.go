package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/guardian-gateway/internal/audit"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/guardians"
	"github.com/xela07ax/guardian-gateway/internal/infra"
)

func TestWhereClause(t *testing.T) {
	where, args := whereClause(audit.Filter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args = whereClause(audit.Filter{
		Statuses: []audit.Status{audit.StatusDenied, audit.StatusFailed},
		Account:  "desk-1",
		From:     from,
		Search:   "50%_off",
	})
	assert.Equal(t, " WHERE status = ANY($1) AND account = $2 AND timestamp >= $3 AND (tx_hash ILIKE $4 OR order_id ILIKE $4)", where)
	require.Len(t, args, 4)
	assert.Equal(t, []string{"denied", "failed"}, args[0])
	assert.Equal(t, from, args[2])
	assert.Equal(t, `%50\%\_off%`, args[3])
}

// Интеграционный тест: нужен PostgreSQL в GUARDIAN_TEST_PG_URL.
func testPool(t *testing.T) DB {
	t.Helper()
	url := os.Getenv("GUARDIAN_TEST_PG_URL")
	if url == "" {
		t.Skip("GUARDIAN_TEST_PG_URL is not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, infra.DatabaseConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestGuardiansRepoCompareAndSwap(t *testing.T) {
	db := testPool(t)
	ctx := context.Background()
	repo := NewGuardiansRepo(db)
	key := guardians.Key{Org: "test", Account: uuid.NewString()}

	_, found, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	rec := guardians.Record{State: domain.NewGuardiansState(time.Now())}
	rec.Config.Spend.MaxPerTrade = 250
	require.NoError(t, repo.CompareAndSwap(ctx, key, 0, rec))
	require.ErrorIs(t, repo.CompareAndSwap(ctx, key, 0, rec), domain.ErrConflict)

	got, found, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 250.0, got.Config.Spend.MaxPerTrade)

	got.State.TradeCount = 3
	require.NoError(t, repo.CompareAndSwap(ctx, key, 1, got))
	require.ErrorIs(t, repo.CompareAndSwap(ctx, key, 1, got), domain.ErrConflict)

	got, _, err = repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 3, got.State.TradeCount)
}

func TestAuditRepoRoundTrip(t *testing.T) {
	db := testPool(t)
	ctx := context.Background()
	repo := NewAuditRepo(db)
	account := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	denied := audit.Record{
		ID: uuid.NewString(), Timestamp: now, ActionType: domain.KindSpotBuy, Account: account,
		Status: audit.StatusDenied, Source: audit.SourceLocal, OrderID: "order-1",
		Result: &domain.GuardianCheckResult{Denials: []domain.GuardianDenial{{Guardian: domain.GuardianSpend, Reason: "too big"}}},
	}
	confirmed := audit.Record{
		ID: uuid.NewString(), Timestamp: now.Add(time.Second), ActionType: domain.KindSpotBuy, Account: account,
		Status: audit.StatusConfirmed, Source: audit.SourceRemote, TxHash: "0xabc", Stage: domain.StageConfirmed,
		Payload: map[string]any{"notional": 10.0},
	}
	require.NoError(t, repo.WriteBatch(ctx, []audit.Record{denied, confirmed}))
	// повторная пачка не дублирует
	require.NoError(t, repo.WriteBatch(ctx, []audit.Record{denied}))

	page, err := repo.Query(ctx, audit.Filter{Account: account})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, confirmed.ID, page.Records[0].ID)
	assert.Equal(t, domain.StageConfirmed, page.Records[0].Stage)
	require.NotNil(t, page.Records[1].Result)
	assert.Equal(t, "too big", page.Records[1].Result.Denials[0].Reason)

	page, err = repo.Query(ctx, audit.Filter{Account: account, Search: "ORDER-"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	st, err := repo.Stats(ctx, audit.Filter{Account: account})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByGuardian[domain.GuardianSpend])
	assert.Equal(t, 1, st.BySource[audit.SourceRemote])
}
