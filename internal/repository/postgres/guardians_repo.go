package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/guardians"
)

// GuardiansRepo — guardians.Store поверх таблицы guardian_accounts.
// Оптимистическая блокировка по колонке version.
type GuardiansRepo struct {
	db DB
}

var _ guardians.Store = (*GuardiansRepo)(nil)

func NewGuardiansRepo(db DB) *GuardiansRepo {
	return &GuardiansRepo{db: db}
}

func (r *GuardiansRepo) Get(ctx context.Context, key guardians.Key) (guardians.Record, bool, error) {
	var rec guardians.Record
	err := r.db.QueryRow(ctx,
		`SELECT config, state, version FROM guardian_accounts WHERE org = $1 AND account = $2`,
		key.Org, key.Account,
	).Scan(&rec.Config, &rec.State, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return guardians.Record{}, false, nil
	}
	if err != nil {
		return guardians.Record{}, false, fmt.Errorf("postgres: get guardians %s: %w", key, err)
	}
	return rec, true, nil
}

func (r *GuardiansRepo) CompareAndSwap(ctx context.Context, key guardians.Key, expected int64, next guardians.Record) error {
	var (
		query string
		args  []any
	)
	if expected == 0 {
		// первой записи ещё нет: вставка проходит только у одного из конкурентов
		query = `INSERT INTO guardian_accounts (org, account, config, state, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (org, account) DO NOTHING`
		args = []any{key.Org, key.Account, next.Config, next.State}
	} else {
		query = `UPDATE guardian_accounts
			SET config = $3, state = $4, version = version + 1, updated_at = NOW()
			WHERE org = $1 AND account = $2 AND version = $5`
		args = []any{key.Org, key.Account, next.Config, next.State, expected}
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: save guardians %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// HaltedKeys — аккаунты с остановленной торговлей (прогрев множества остановок в Redis).
func (r *GuardiansRepo) HaltedKeys(ctx context.Context) ([]guardians.Key, error) {
	rows, err := r.db.Query(ctx,
		`SELECT org, account FROM guardian_accounts WHERE (state->>'halted')::boolean ORDER BY org, account`)
	if err != nil {
		return nil, fmt.Errorf("postgres: halted accounts: %w", err)
	}
	defer rows.Close()

	var keys []guardians.Key
	for rows.Next() {
		var k guardians.Key
		if err := rows.Scan(&k.Org, &k.Account); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
