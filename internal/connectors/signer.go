// Package connectors, граница с внешней платформой мультиподписи/кастоди.
// Платформа сама перепроверяет политику и владеет моментом фиксации транзакции.
package connectors

import "context"

// SignerStage — стадии протокола подписанта.
type SignerStage string

const (
	StagePropose   SignerStage = "propose"
	StageSign      SignerStage = "sign"
	StageCombine   SignerStage = "combine"
	StageBroadcast SignerStage = "broadcast"
)

// SubmitRequest — то, что уходит подписанту: submit(accountId, chainId, to, value, data).
type SubmitRequest struct {
	AccountID string `json:"account_id"`
	ChainID   uint64 `json:"chain_id"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Data      string `json:"data"`
}

type Receipt struct {
	TxHash string `json:"tx_hash"`
}

// PolicyDenial — отказ политики платформы (переход propose -> end).
type PolicyDenial struct {
	Reason  string         `json:"reason"`
	RuleID  string         `json:"rule_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Account struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	ChainIDs []uint64 `json:"chain_ids,omitempty"`
}

// Callbacks — колбэки стадий. Могут вызываться из любой горутины,
// в том числе синхронно внутри Submit и повторно после терминального события.
type Callbacks struct {
	OnPropose   func()
	OnSign      func()
	OnCombine   func()
	OnBroadcast func()
	// OnEnd: транзакция отправлена в сеть.
	OnEnd func(Receipt)
	// OnProposeToEnd: авторитетный отказ политики платформы.
	OnProposeToEnd func(PolicyDenial)
	// OnStageToEnd: сбой подписи/транспорта на стадии stage.
	OnStageToEnd func(stage SignerStage, err error)
}

// Operation — принятая подписантом отправка.
type Operation interface {
	ID() string
	// Cancel: просьба отменить. Платформа может её проигнорировать.
	Cancel()
}

// Signer — внешний подписант.
type Signer interface {
	// Submit возвращает ошибку, если отправка не принята. После успешного
	// возврата исход приходит только через колбэки.
	Submit(ctx context.Context, req SubmitRequest, cb Callbacks) (Operation, error)
	// ListAccounts: идемпотентное чтение.
	ListAccounts(ctx context.Context) ([]Account, error)
}
