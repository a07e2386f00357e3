package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind — тег суммы типов ActionIntent.
type ActionKind string

const (
	KindSpotBuy     ActionKind = "SPOT_BUY"
	KindSpotSell    ActionKind = "SPOT_SELL"
	KindTransfer    ActionKind = "TRANSFER"
	KindMarketOrder ActionKind = "MARKET_ORDER"
)

// ActionCategory группирует действия для аудита.
type ActionCategory string

const (
	CategoryTrade    ActionCategory = "trade"
	CategoryTransfer ActionCategory = "transfer"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ActionIntent — предложенное действие агента. Закрытый интерфейс:
// реализуют только SpotOrder, MarketOrder и Transfer (значения, не указатели).
type ActionIntent interface {
	Kind() ActionKind
	Category() ActionCategory
	OrderID() string
	NotionalUSD() float64
	// Asset: актив, по которому считается экспозиция
	Asset() string
	Leverage() float64
	// Venue: контракт или рынок, куда уйдёт действие
	Venue() string
	// AddsExposure: увеличивает ли действие позицию по Asset
	AddsExposure() bool
	Validate() error

	isIntent()
}

// SpotOrder — спотовая покупка/продажа.
type SpotOrder struct {
	ID          string  `json:"id,omitempty"`
	Side        Side    `json:"side"`
	Market      string  `json:"market"`             // "ETH-USD"
	Contract    string  `json:"contract,omitempty"` // адрес роутера/пула, если известен
	Notional    float64 `json:"notional_usd"`
	SlippageBps int     `json:"slippage_bps,omitempty"`
}

func (o SpotOrder) Kind() ActionKind {
	if o.Side == SideSell {
		return KindSpotSell
	}
	return KindSpotBuy
}

func (o SpotOrder) Category() ActionCategory { return CategoryTrade }
func (o SpotOrder) OrderID() string          { return o.ID }
func (o SpotOrder) NotionalUSD() float64     { return o.Notional }
func (o SpotOrder) Asset() string            { return baseAsset(o.Market) }
func (o SpotOrder) Leverage() float64        { return 1 }
func (o SpotOrder) Venue() string            { return venueOf(o.Contract, o.Market) }
func (o SpotOrder) AddsExposure() bool       { return o.Side != SideSell }
func (SpotOrder) isIntent()                  {}

func (o SpotOrder) Validate() error {
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrValidation, o.Side)
	}
	if err := validateTrade(o.Market, o.Contract, o.Notional, o.SlippageBps); err != nil {
		return err
	}
	return nil
}

// WithNotional возвращает копию с новым объёмом.
func (o SpotOrder) WithNotional(usd float64) SpotOrder {
	o.Notional = usd
	return o
}

func (o SpotOrder) WithContract(addr string) SpotOrder {
	o.Contract = addr
	return o
}

// MarketOrder — рыночный ордер с плечом (перпетуал).
type MarketOrder struct {
	ID          string  `json:"id,omitempty"`
	Side        Side    `json:"side"`
	Market      string  `json:"market"`
	Contract    string  `json:"contract,omitempty"`
	Notional    float64 `json:"notional_usd"`
	Lev         float64 `json:"leverage"`
	SlippageBps int     `json:"slippage_bps,omitempty"`
}

func (o MarketOrder) Kind() ActionKind         { return KindMarketOrder }
func (o MarketOrder) Category() ActionCategory { return CategoryTrade }
func (o MarketOrder) OrderID() string          { return o.ID }
func (o MarketOrder) NotionalUSD() float64     { return o.Notional }
func (o MarketOrder) Asset() string            { return baseAsset(o.Market) }
func (o MarketOrder) Venue() string            { return venueOf(o.Contract, o.Market) }
func (o MarketOrder) AddsExposure() bool       { return o.Side != SideSell }
func (MarketOrder) isIntent()                  {}

func (o MarketOrder) Leverage() float64 {
	if o.Lev <= 0 {
		return 1
	}
	return o.Lev
}

func (o MarketOrder) Validate() error {
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrValidation, o.Side)
	}
	if o.Lev < 0 {
		return fmt.Errorf("%w: leverage must not be negative", ErrValidation)
	}
	return validateTrade(o.Market, o.Contract, o.Notional, o.SlippageBps)
}

func (o MarketOrder) WithLeverage(lev float64) MarketOrder {
	o.Lev = lev
	return o
}

func (o MarketOrder) WithNotional(usd float64) MarketOrder {
	o.Notional = usd
	return o
}

// Transfer — перевод токена на адрес.
type Transfer struct {
	ID            string  `json:"id,omitempty"`
	Token         string  `json:"token"`
	TokenContract string  `json:"token_contract,omitempty"`
	Amount        string  `json:"amount"` // в единицах токена, десятичная строка
	AmountUSD     float64 `json:"amount_usd"`
	Destination   string  `json:"destination"`
}

func (t Transfer) Kind() ActionKind         { return KindTransfer }
func (t Transfer) Category() ActionCategory { return CategoryTransfer }
func (t Transfer) OrderID() string          { return t.ID }
func (t Transfer) NotionalUSD() float64     { return t.AmountUSD }
func (t Transfer) Asset() string            { return strings.ToUpper(t.Token) }
func (t Transfer) Leverage() float64        { return 1 }
func (t Transfer) Venue() string            { return venueOf(t.TokenContract, t.Token) }
func (t Transfer) AddsExposure() bool       { return false }
func (Transfer) isIntent()                  {}

func (t Transfer) Validate() error {
	if strings.TrimSpace(t.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrValidation)
	}
	if strings.TrimSpace(t.Amount) == "" {
		return fmt.Errorf("%w: amount is required", ErrValidation)
	}
	if t.AmountUSD < 0 {
		return fmt.Errorf("%w: amount_usd must not be negative", ErrValidation)
	}
	if !common.IsHexAddress(t.Destination) {
		return fmt.Errorf("%w: destination %q is not a valid address", ErrValidation, t.Destination)
	}
	if t.TokenContract != "" && !common.IsHexAddress(t.TokenContract) {
		return fmt.Errorf("%w: token_contract %q is not a valid address", ErrValidation, t.TokenContract)
	}
	return nil
}

func (t Transfer) WithDestination(addr string) Transfer {
	t.Destination = addr
	return t
}

func validateTrade(market, contract string, notional float64, slippageBps int) error {
	if strings.TrimSpace(market) == "" {
		return fmt.Errorf("%w: market is required", ErrValidation)
	}
	if notional <= 0 {
		return fmt.Errorf("%w: notional_usd must be positive", ErrValidation)
	}
	if slippageBps < 0 || slippageBps > 10_000 {
		return fmt.Errorf("%w: slippage_bps out of range", ErrValidation)
	}
	if contract != "" && !common.IsHexAddress(contract) {
		return fmt.Errorf("%w: contract %q is not a valid address", ErrValidation, contract)
	}
	return nil
}

// baseAsset: "ETH-USD" / "ETH/USDC" / "eth" -> "ETH"
func baseAsset(market string) string {
	m := strings.ToUpper(strings.TrimSpace(market))
	if i := strings.IndexAny(m, "-/_"); i > 0 {
		return m[:i]
	}
	return m
}

func venueOf(contract, market string) string {
	if contract != "" {
		return NormalizeVenue(contract)
	}
	return NormalizeVenue(market)
}

// NormalizeVenue приводит hex-адреса к checksum-виду, остальное, к верхнему регистру.
func NormalizeVenue(v string) string {
	v = strings.TrimSpace(v)
	if common.IsHexAddress(v) {
		return common.HexToAddress(v).Hex()
	}
	return strings.ToUpper(v)
}

// intentEnvelope — JSON-представление суммы типов: {"kind": ..., поля варианта}.
type intentEnvelope struct {
	Kind ActionKind `json:"kind"`
}

// MarshalIntent кодирует intent вместе с тегом.
func MarshalIntent(intent ActionIntent) ([]byte, error) {
	body, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["kind"] = intent.Kind()
	return json.Marshal(m)
}

// UnmarshalIntent восстанавливает вариант по тегу kind.
func UnmarshalIntent(data []byte) (ActionIntent, error) {
	var env intentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch env.Kind {
	case KindSpotBuy, KindSpotSell:
		var o SpotOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if o.Side == "" {
			o.Side = SideBuy
			if env.Kind == KindSpotSell {
				o.Side = SideSell
			}
		}
		if o.Kind() != env.Kind {
			return nil, fmt.Errorf("%w: side %q contradicts kind %s", ErrValidation, o.Side, env.Kind)
		}
		return o, nil
	case KindMarketOrder:
		var o MarketOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return o, nil
	case KindTransfer:
		var t Transfer
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown action kind %q", ErrValidation, env.Kind)
	}
}

// IntentPayload — плоское представление для аудита.
func IntentPayload(intent ActionIntent) map[string]any {
	body, err := MarshalIntent(intent)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	return m
}
