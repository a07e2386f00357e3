package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/guardian-gateway/internal/audit"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/engine"
	"github.com/xela07ax/guardian-gateway/internal/infra/auth"
)

type AuditHandler struct {
	log audit.Log
}

func NewAuditHandler(l audit.Log) *AuditHandler {
	return &AuditHandler{log: l}
}

// scope ограничивает выборку аккаунтом запроса. admin может смотреть любые
// аккаунты через параметры org и account.
func scope(r *http.Request, f *audit.Filter) {
	q := r.URL.Query()
	if c := auth.ClaimsFrom(r.Context()); c != nil && c.Allows(domain.ScopeAdmin) {
		f.Org = q.Get("org")
		f.Account = q.Get("account")
		return
	}
	key := keyFrom(r)
	f.Org = key.Org
	f.Account = engine.RecordAccount(key)
}

// list — значения параметра: повторы и списки через запятую.
func list[T ~string](q url.Values, name string) []T {
	var out []T
	for _, raw := range q[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, T(v))
			}
		}
	}
	return out
}

// parseTime принимает RFC3339 или unix-миллисекунды.
func parseTime(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", domain.ErrValidation, name, err)
	}
	return t, nil
}

func parseInt(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrValidation, name)
	}
	return n, nil
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Statuses:    list[audit.Status](q, "status"),
		ActionTypes: list[domain.ActionKind](q, "type"),
		Sources:     list[audit.Source](q, "source"),
		Search:      q.Get("q"),
	}

	var err error
	if f.From, err = parseTime(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt(q, "offset"); err != nil {
		return f, err
	}
	scope(r, &f)
	return f, nil
}

// Query — GET /v1/audit?status=&type=&source=&q=&from=&to=&limit=&offset=
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.log.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Events — GET /v1/events?limit=: последние события аккаунта, новые первыми.
func (h *AuditHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL.Query(), "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := audit.Filter{Limit: limit}
	scope(r, &f)

	page, err := h.log.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page.Records)
}

// Stats — GET /v1/audit/stats (те же фильтры, без пагинации)
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.log.Stats(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
