package postgres

/*
Файл audit_repo.go хранит журнал аудита в PostgreSQL.
Запись идёт пачками от audit.BatchWriter (multi-row INSERT), чтение — выборки
для консоли с фильтрами и пагинацией.
*/

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/guardian-gateway/internal/audit"
	"github.com/xela07ax/guardian-gateway/internal/domain"
)

const auditColumns = `id, timestamp, trace_id, action_type, action_category, org, account, order_id,
	payload, status, result, source, stage, tx_hash, policy_breach, error, duration_ms`

type AuditRepo struct {
	db DB
}

func NewAuditRepo(db DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_records
	const numFields = 18
	var sb strings.Builder
	vals := make([]any, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range records {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for j := range numFields {
			if j > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", i*numFields+j+1)
		}
		sb.WriteString(")")

		var primary string
		if e.Result != nil {
			if d, ok := e.Result.Primary(); ok {
				primary = string(d.Guardian)
			}
		}
		vals = append(vals,
			e.ID, e.Timestamp, e.TraceID, string(e.ActionType), string(e.ActionCategory),
			e.Org, e.Account, e.OrderID, e.Payload, string(e.Status), e.Result,
			string(e.Source), string(e.Stage), e.TxHash, e.PolicyBreach, e.Error, e.DurationMs, primary,
		)
	}

	// Повторная доставка той же пачки не дублирует записи
	query := "INSERT INTO audit_records (" + auditColumns + ", primary_guardian) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.db.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// whereClause переводит фильтр в SQL. Аргументы нумеруются с $1.
func whereClause(f audit.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", strs(f.Statuses))
	}
	if len(f.ActionTypes) > 0 {
		add("action_type = ANY($%d)", strs(f.ActionTypes))
	}
	if len(f.Sources) > 0 {
		add("source = ANY($%d)", strs(f.Sources))
	}
	if f.Org != "" {
		add("org = $%d", f.Org)
	}
	if f.Account != "" {
		add("account = $%d", f.Account)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp < $%d", f.To)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		args = append(args, "%"+likeEscape(q)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(tx_hash ILIKE $%d OR order_id ILIKE $%d)", n, n))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *AuditRepo) Query(ctx context.Context, f audit.Filter) (audit.Page, error) {
	f = f.Normalize()
	where, args := whereClause(f)

	page := audit.Page{Limit: f.Limit, Offset: f.Offset, Records: []audit.Record{}}
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&page.Total); err != nil {
		return audit.Page{}, fmt.Errorf("postgres: count audit: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf("SELECT %s FROM audit_records%s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d",
		auditColumns, where, n+1, n+2)
	rows, err := r.db.Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return audit.Page{}, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                               audit.Record
			actionType, category, status, src string
			stage                             string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Timestamp, &rec.TraceID, &actionType, &category, &rec.Org, &rec.Account, &rec.OrderID,
			&rec.Payload, &status, &rec.Result, &src, &stage, &rec.TxHash, &rec.PolicyBreach, &rec.Error, &rec.DurationMs,
		); err != nil {
			return audit.Page{}, fmt.Errorf("postgres: scan audit: %w", err)
		}
		rec.ActionType = domain.ActionKind(actionType)
		rec.ActionCategory = domain.ActionCategory(category)
		rec.Status = audit.Status(status)
		rec.Source = audit.Source(src)
		rec.Stage = domain.Stage(stage)
		page.Records = append(page.Records, rec)
	}
	return page, rows.Err()
}

func (r *AuditRepo) Stats(ctx context.Context, f audit.Filter) (audit.Stats, error) {
	where, args := whereClause(f)
	rows, err := r.db.Query(ctx,
		"SELECT status, source, primary_guardian, COUNT(*) FROM audit_records"+where+
			" GROUP BY status, source, primary_guardian", args...)
	if err != nil {
		return audit.Stats{}, fmt.Errorf("postgres: audit stats: %w", err)
	}
	defer rows.Close()

	st := audit.NewStats()
	for rows.Next() {
		var status, src, guardian string
		var n int
		if err := rows.Scan(&status, &src, &guardian, &n); err != nil {
			return audit.Stats{}, fmt.Errorf("postgres: scan audit stats: %w", err)
		}
		st.Total += n
		st.ByStatus[audit.Status(status)] += n
		st.BySource[audit.Source(src)] += n
		if guardian != "" {
			st.ByGuardian[domain.GuardianType(guardian)] += n
		}
	}
	return st, rows.Err()
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string { return likeReplacer.Replace(s) }
