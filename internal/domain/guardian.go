package domain

import (
	"fmt"
	"slices"
	"strings"
)

// GuardianType — независимо переключаемое правило риска.
type GuardianType string

const (
	GuardianSpend      GuardianType = "spend"
	GuardianLeverage   GuardianType = "leverage"
	GuardianExposure   GuardianType = "exposure"
	GuardianVenue      GuardianType = "venue"
	GuardianRate       GuardianType = "rate"
	GuardianTimeWindow GuardianType = "timeWindow"
	GuardianLoss       GuardianType = "loss"
)

var canonicalOrder = []GuardianType{
	GuardianSpend,
	GuardianLeverage,
	GuardianExposure,
	GuardianVenue,
	GuardianRate,
	GuardianTimeWindow,
	GuardianLoss,
}

// CanonicalOrder — фиксированный порядок вычисления гардианов.
func CanonicalOrder() []GuardianType {
	return slices.Clone(canonicalOrder)
}

// ParseGuardianType принимает имя в любом регистре ("timewindow", "timeWindow").
func ParseGuardianType(s string) (GuardianType, error) {
	for _, t := range canonicalOrder {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGuardian, s)
}

type SpendConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	MaxPerTrade float64 `json:"max_per_trade" yaml:"max_per_trade"`
	MaxDaily    float64 `json:"max_daily" yaml:"max_daily"`
}

type LeverageConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	MaxLeverage float64 `json:"max_leverage" yaml:"max_leverage"`
}

type ExposureConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	MaxPerAsset float64 `json:"max_per_asset" yaml:"max_per_asset"`
}

type VenueConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	AllowedContracts []string `json:"allowed_contracts" yaml:"allowed_contracts"`
}

type RateConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	MaxPerDay       int  `json:"max_per_day" yaml:"max_per_day"`
	CooldownSeconds int  `json:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// TimeWindowConfig — торговое окно [StartHour, EndHour) в UTC.
// При StartHour > EndHour окно переходит через полночь.
type TimeWindowConfig struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	StartHour            int  `json:"start_hour" yaml:"start_hour"`
	EndHour              int  `json:"end_hour" yaml:"end_hour"`
	SimulateOutsideHours bool `json:"simulate_outside_hours" yaml:"simulate_outside_hours"`
}

// LossConfig — предел просадки в процентах. Флаг остановки живёт в GuardiansState.
type LossConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	MaxDrawdown float64 `json:"max_drawdown" yaml:"max_drawdown"`
}

// GuardiansConfig — активные параметры всех гардианов аккаунта.
// Заменяется целиком (пресет) или патчится по одному гардиану.
type GuardiansConfig struct {
	Spend      SpendConfig      `json:"spend" yaml:"spend"`
	Leverage   LeverageConfig   `json:"leverage" yaml:"leverage"`
	Exposure   ExposureConfig   `json:"exposure" yaml:"exposure"`
	Venue      VenueConfig      `json:"venue" yaml:"venue"`
	Rate       RateConfig       `json:"rate" yaml:"rate"`
	TimeWindow TimeWindowConfig `json:"timeWindow" yaml:"time_window"`
	Loss       LossConfig       `json:"loss" yaml:"loss"`
}

// Enabled сообщает, включён ли гардиан t.
func (c *GuardiansConfig) Enabled(t GuardianType) bool {
	switch t {
	case GuardianSpend:
		return c.Spend.Enabled
	case GuardianLeverage:
		return c.Leverage.Enabled
	case GuardianExposure:
		return c.Exposure.Enabled
	case GuardianVenue:
		return c.Venue.Enabled
	case GuardianRate:
		return c.Rate.Enabled
	case GuardianTimeWindow:
		return c.TimeWindow.Enabled
	case GuardianLoss:
		return c.Loss.Enabled
	}
	return false
}

func (c *GuardiansConfig) SetEnabled(t GuardianType, on bool) error {
	switch t {
	case GuardianSpend:
		c.Spend.Enabled = on
	case GuardianLeverage:
		c.Leverage.Enabled = on
	case GuardianExposure:
		c.Exposure.Enabled = on
	case GuardianVenue:
		c.Venue.Enabled = on
	case GuardianRate:
		c.Rate.Enabled = on
	case GuardianTimeWindow:
		c.TimeWindow.Enabled = on
	case GuardianLoss:
		c.Loss.Enabled = on
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGuardian, t)
	}
	return nil
}

// Section возвращает указатель на секцию гардиана (для патча полей через JSON).
func (c *GuardiansConfig) Section(t GuardianType) (any, error) {
	switch t {
	case GuardianSpend:
		return &c.Spend, nil
	case GuardianLeverage:
		return &c.Leverage, nil
	case GuardianExposure:
		return &c.Exposure, nil
	case GuardianVenue:
		return &c.Venue, nil
	case GuardianRate:
		return &c.Rate, nil
	case GuardianTimeWindow:
		return &c.TimeWindow, nil
	case GuardianLoss:
		return &c.Loss, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownGuardian, t)
}

// Clone — глубокая копия (слайс контрактов не разделяется).
func (c GuardiansConfig) Clone() GuardiansConfig {
	out := c
	if c.Venue.AllowedContracts != nil {
		out.Venue.AllowedContracts = slices.Clone(c.Venue.AllowedContracts)
	}
	return out
}

// Equal сравнивает конфиги поле в поле; nil и пустой allowlist эквивалентны.
func (c GuardiansConfig) Equal(o GuardiansConfig) bool {
	return c.Spend == o.Spend &&
		c.Leverage == o.Leverage &&
		c.Exposure == o.Exposure &&
		c.Rate == o.Rate &&
		c.TimeWindow == o.TimeWindow &&
		c.Loss == o.Loss &&
		c.Venue.Enabled == o.Venue.Enabled &&
		slices.Equal(c.Venue.AllowedContracts, o.Venue.AllowedContracts)
}

// Validate проверяет диапазоны после патча.
func (c GuardiansConfig) Validate() error {
	switch {
	case c.Spend.MaxPerTrade < 0 || c.Spend.MaxDaily < 0:
		return fmt.Errorf("%w: spend limits must not be negative", ErrValidation)
	case c.Leverage.MaxLeverage < 0:
		return fmt.Errorf("%w: max_leverage must not be negative", ErrValidation)
	case c.Exposure.MaxPerAsset < 0:
		return fmt.Errorf("%w: max_per_asset must not be negative", ErrValidation)
	case c.Rate.MaxPerDay < 0 || c.Rate.CooldownSeconds < 0:
		return fmt.Errorf("%w: rate limits must not be negative", ErrValidation)
	case c.TimeWindow.StartHour < 0 || c.TimeWindow.StartHour > 23,
		c.TimeWindow.EndHour < 0 || c.TimeWindow.EndHour > 24:
		return fmt.Errorf("%w: time window hours out of range", ErrValidation)
	case c.Loss.MaxDrawdown < 0 || c.Loss.MaxDrawdown > 100:
		return fmt.Errorf("%w: max_drawdown must be within [0, 100]", ErrValidation)
	}
	return nil
}

// GuardianDenial — отказ одного гардиана: текст для человека и числа для машин.
type GuardianDenial struct {
	Guardian GuardianType `json:"guardian"`
	Reason   string       `json:"reason"`
	Current  *float64     `json:"current,omitempty"`
	Limit    *float64     `json:"limit,omitempty"`
}

// GuardianCheckResult — итог проверки всех включённых гардианов.
type GuardianCheckResult struct {
	Passed  bool             `json:"passed"`
	Denials []GuardianDenial `json:"denials"`
}

// Primary — первый отказ в каноническом порядке (для коротких сводок).
func (r GuardianCheckResult) Primary() (GuardianDenial, bool) {
	if len(r.Denials) == 0 {
		return GuardianDenial{}, false
	}
	best := r.Denials[0]
	bestIdx := slices.Index(canonicalOrder, best.Guardian)
	for _, d := range r.Denials[1:] {
		if idx := slices.Index(canonicalOrder, d.Guardian); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			best, bestIdx = d, idx
		}
	}
	return best, true
}

// Summary — одна строка для UI/логов.
func (r GuardianCheckResult) Summary() string {
	p, ok := r.Primary()
	if !ok {
		return "all guardians passed"
	}
	if n := len(r.Denials); n > 1 {
		return fmt.Sprintf("%s: %s (+%d more)", p.Guardian, p.Reason, n-1)
	}
	return fmt.Sprintf("%s: %s", p.Guardian, p.Reason)
}

// Float — хелпер для Current/Limit.
func Float(v float64) *float64 { return &v }
