package audit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Log — append-only журнал попыток.
type Log interface {
	// Record добавляет запись с финальным статусом. Существующие записи не меняются.
	Record(ctx context.Context, rec Record) error
	Query(ctx context.Context, f Filter) (Page, error)
	Stats(ctx context.Context, f Filter) (Stats, error)
}

// Filter — пустые поля не ограничивают выборку.
type Filter struct {
	Statuses    []Status            `json:"statuses,omitempty"`
	ActionTypes []domain.ActionKind `json:"action_types,omitempty"`
	Sources     []Source            `json:"sources,omitempty"`
	Org         string              `json:"org,omitempty"`
	Account     string              `json:"account,omitempty"`
	// Search: подстрока tx hash или order id (без учёта регистра)
	Search string    `json:"search,omitempty"`
	From   time.Time `json:"from,omitzero"`
	To     time.Time `json:"to,omitzero"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Normalize ограничивает пагинацию: limit по умолчанию 50, не больше 500.
func (f Filter) Normalize() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	f.Offset = max(f.Offset, 0)
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Match — попадает ли запись под фильтр (без пагинации).
// Диапазон времени: From включительно, To исключительно.
func (f Filter) Match(r Record) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if len(f.ActionTypes) > 0 && !slices.Contains(f.ActionTypes, r.ActionType) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, r.Source) {
		return false
	}
	if f.Org != "" && r.Org != f.Org {
		return false
	}
	if f.Account != "" && r.Account != f.Account {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(r.TxHash), q) && !strings.Contains(strings.ToLower(r.OrderID), q) {
			return false
		}
	}
	return true
}

type Page struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Stats — агрегаты для сводных экранов.
type Stats struct {
	Total      int                         `json:"total"`
	ByStatus   map[Status]int              `json:"by_status"`
	BySource   map[Source]int              `json:"by_source"`
	ByGuardian map[domain.GuardianType]int `json:"by_guardian"`
}

func NewStats() Stats {
	return Stats{
		ByStatus:   make(map[Status]int),
		BySource:   make(map[Source]int),
		ByGuardian: make(map[domain.GuardianType]int),
	}
}

// Add учитывает запись. Отказы гардианов считаются по первичной причине.
func (s *Stats) Add(r Record) {
	s.Total++
	s.ByStatus[r.Status]++
	s.BySource[r.Source]++
	if r.Result != nil {
		if d, ok := r.Result.Primary(); ok {
			s.ByGuardian[d.Guardian]++
		}
	}
}

// Less — порядок выдачи: timestamp по убыванию, при равенстве id по убыванию.
func Less(a, b Record) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

// Validate — запись должна иметь id и финальный статус.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: audit record id is required", domain.ErrValidation)
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("%w: audit record %s has non-final status %q", domain.ErrValidation, r.ID, r.Status)
	}
	return nil
}
