package domain

import (
	"maps"
	"time"
)

// DayLayout — формат UTC-дня для дневных счётчиков.
const DayLayout = "2006-01-02"

// GuardiansState — изменяемые счётчики аккаунта.
// DailySpend/TradeCount живут в пределах UTC-дня Day.
type GuardiansState struct {
	DailySpend      float64            `json:"daily_spend"`
	TradeCount      int                `json:"trade_count"`
	LastTradeAt     time.Time          `json:"last_trade_at,omitzero"`
	ExposureByAsset map[string]float64 `json:"exposure_by_asset"`
	Halted          bool               `json:"halted"`
	HaltReason      string             `json:"halt_reason,omitempty"`
	CurrentDrawdown float64            `json:"current_drawdown"`
	Day             string             `json:"day"`
}

// NewGuardiansState — пустое состояние на UTC-день now.
func NewGuardiansState(now time.Time) GuardiansState {
	return GuardiansState{
		ExposureByAsset: make(map[string]float64),
		Day:             now.UTC().Format(DayLayout),
	}
}

func (s GuardiansState) Clone() GuardiansState {
	out := s
	out.ExposureByAsset = maps.Clone(s.ExposureByAsset)
	if out.ExposureByAsset == nil {
		out.ExposureByAsset = make(map[string]float64)
	}
	return out
}

// Exposure — текущая экспозиция по активу.
func (s GuardiansState) Exposure(asset string) float64 {
	return s.ExposureByAsset[asset]
}

// RolledOver возвращает состояние, актуальное на now: при смене UTC-дня
// дневные поля обнуляются. Кулдаун, экспозиция и halt сохраняются.
func (s GuardiansState) RolledOver(now time.Time) (GuardiansState, bool) {
	today := now.UTC().Format(DayLayout)
	if s.Day == today {
		return s, false
	}
	out := s.Clone()
	out.DailySpend = 0
	out.TradeCount = 0
	out.Day = today
	return out, true
}
