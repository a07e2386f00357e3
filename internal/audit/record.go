package audit

import (
	"errors"
	"maps"
	"time"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// Status — статус записи аудита. Конечный автомат: pending -> один из терминальных.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

var (
	ErrInvalidTransition = errors.New("invalid audit status transition")
	ErrAlreadyFinal      = errors.New("audit record already has a final status")
	ErrDropped           = errors.New("audit record dropped: buffer full or writer stopped")
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo проверяет правила конечного автомата
func (s Status) CanTransitionTo(next Status) error {
	if s.IsTerminal() {
		return ErrAlreadyFinal
	}
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}

// StatusForStage — итог жизненного цикла транзакции в терминах аудита.
func StatusForStage(stage domain.Stage) Status {
	switch stage {
	case domain.StageConfirmed:
		return StatusConfirmed
	case domain.StageDenied:
		return StatusDenied
	case domain.StageExpired:
		return StatusExpired
	case domain.StageFailed:
		return StatusFailed
	}
	return StatusPending
}

// Source — кто принял решение.
type Source string

const (
	SourceLocal  Source = "local"  // гардианы шлюза
	SourceRemote Source = "remote" // платформа подписанта
	SourceTest   Source = "test"   // принудительный отказ для демонстрации
)

// Record — запись аудита (GuardianEvent). После записи в лог не меняется.
type Record struct {
	ID             string                     `json:"id"`
	Timestamp      time.Time                  `json:"timestamp"`
	TraceID        string                     `json:"trace_id,omitempty"`
	ActionType     domain.ActionKind          `json:"action_type"`
	ActionCategory domain.ActionCategory      `json:"action_category"`
	Org            string                     `json:"org,omitempty"`
	Account        string                     `json:"account,omitempty"`
	OrderID        string                     `json:"order_id,omitempty"`
	Payload        map[string]any             `json:"payload"`
	Status         Status                     `json:"status"`
	Result         *domain.GuardianCheckResult `json:"result,omitempty"`
	Source         Source                     `json:"source"`
	Stage          domain.Stage               `json:"stage,omitempty"`
	TxHash         string                     `json:"tx_hash,omitempty"`
	PolicyBreach   *domain.PolicyBreach       `json:"policy_breach,omitempty"`
	Error          string                     `json:"error,omitempty"`
	DurationMs     int64                      `json:"duration_ms"`
}

// Resolve переводит черновик записи в финальный статус.
func (r *Record) Resolve(next Status) error {
	if err := r.Status.CanTransitionTo(next); err != nil {
		return err
	}
	r.Status = next
	return nil
}

// Clone — копия без общих изменяемых частей верхнего уровня.
func (r Record) Clone() Record {
	out := r
	out.Payload = maps.Clone(r.Payload)
	if r.Result != nil {
		res := *r.Result
		res.Denials = append([]domain.GuardianDenial(nil), r.Result.Denials...)
		out.Result = &res
	}
	if r.PolicyBreach != nil {
		pb := *r.PolicyBreach
		pb.Details = maps.Clone(r.PolicyBreach.Details)
		out.PolicyBreach = &pb
	}
	return out
}
