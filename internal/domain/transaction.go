package domain

import "time"

// Stage — стадия жизненного цикла транзакции.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageProposed     Stage = "proposed"
	StagePolicyCheck  Stage = "policy_check"
	StageSigning      Stage = "signing"
	StageCombining    Stage = "combining"
	StageBroadcasting Stage = "broadcasting"
	StageConfirming   Stage = "confirming"

	StageConfirmed Stage = "confirmed"
	StageDenied    Stage = "denied"
	StageFailed    Stage = "failed"
	StageExpired   Stage = "expired"
)

func (s Stage) IsTerminal() bool {
	switch s {
	case StageConfirmed, StageDenied, StageFailed, StageExpired:
		return true
	}
	return false
}

// stageRank задаёт порядок нетерминальных стадий; назад автомат не ходит.
var stageRank = map[Stage]int{
	StageIdle:         0,
	StageProposed:     1,
	StagePolicyCheck:  2,
	StageSigning:      3,
	StageCombining:    4,
	StageBroadcasting: 5,
	StageConfirming:   6,
}

// CanAdvanceTo: вперёд по цепочке или в любой терминал, но не из терминала.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return stageRank[next] > stageRank[s]
}

// PolicyBreach — детали отказа удалённой политики кастодиана.
type PolicyBreach struct {
	Reason  string         `json:"reason"`
	RuleID  string         `json:"rule_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StageMark — отметка о входе в стадию.
type StageMark struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// TransactionState — экземпляр автомата одной отправки.
type TransactionState struct {
	Stage        Stage         `json:"stage"`
	TxHash       string        `json:"tx_hash,omitempty"`
	PolicyBreach *PolicyBreach `json:"policy_breach,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	History      []StageMark   `json:"history,omitempty"`
}
