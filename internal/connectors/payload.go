package connectors

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// venueCall — тело вызова площадки, уходит в data как hex.
type venueCall struct {
	Op          string  `json:"op"`
	OrderID     string  `json:"order_id,omitempty"`
	Market      string  `json:"market,omitempty"`
	Side        string  `json:"side,omitempty"`
	NotionalUSD float64 `json:"notional_usd,omitempty"`
	Leverage    float64 `json:"leverage,omitempty"`
	SlippageBps int     `json:"slippage_bps,omitempty"`
	Token       string  `json:"token,omitempty"`
	Amount      string  `json:"amount,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
}

// BuildRequest переводит intent в запрос подписанту по типу действия.
func BuildRequest(accountID string, chainID uint64, intent domain.ActionIntent) (SubmitRequest, error) {
	if err := intent.Validate(); err != nil {
		return SubmitRequest{}, err
	}
	req := SubmitRequest{AccountID: accountID, ChainID: chainID, Value: "0"}

	var call venueCall
	switch in := intent.(type) {
	case domain.SpotOrder:
		req.To = address(in.Contract)
		call = venueCall{
			Op: "swap", OrderID: in.ID, Market: strings.ToUpper(in.Market), Side: string(in.Side),
			NotionalUSD: in.Notional, SlippageBps: in.SlippageBps,
		}
	case domain.MarketOrder:
		req.To = address(in.Contract)
		call = venueCall{
			Op: "market_order", OrderID: in.ID, Market: strings.ToUpper(in.Market), Side: string(in.Side),
			NotionalUSD: in.Notional, Leverage: in.Leverage(), SlippageBps: in.SlippageBps,
		}
	case domain.Transfer:
		recipient := common.HexToAddress(in.Destination).Hex()
		if in.TokenContract == "" {
			// Нативный токен: перевод значением, без data
			req.To = recipient
			req.Value = in.Amount
			return req, nil
		}
		req.To = address(in.TokenContract)
		call = venueCall{
			Op: "transfer", OrderID: in.ID, Token: strings.ToUpper(in.Token),
			Amount: in.Amount, Recipient: recipient,
		}
	default:
		return SubmitRequest{}, fmt.Errorf("%w: unsupported intent %T", domain.ErrValidation, intent)
	}

	body, err := json.Marshal(call)
	if err != nil {
		return SubmitRequest{}, fmt.Errorf("encode venue call: %w", err)
	}
	req.Data = hexutil.Encode(body)
	return req, nil
}

// DecodeCall — обратная операция для data (используется мок-подписантом и в логах).
func DecodeCall(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	raw, err := hexutil.Decode(data)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func address(s string) string {
	if s == "" {
		return ""
	}
	return common.HexToAddress(s).Hex()
}
