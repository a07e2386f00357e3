package risk

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// Engine — чистый вычислитель гардианов: (intent, config, state) -> результат.
// Состояние не меняет, блокировок не берёт; время берёт из инъектируемых часов.
type Engine struct {
	clock  clock.Clock
	logger *zap.Logger
}

func NewEngine(c clock.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{clock: clock.OrReal(c), logger: logger.Named("risk")}
}

// CheckAllGuardians проверяет intent всеми включёнными гардианами в каноническом порядке.
// Возвращает все отказы, а не только первый.
func (e *Engine) CheckAllGuardians(intent domain.ActionIntent, cfg domain.GuardiansConfig, state domain.GuardiansState) domain.GuardianCheckResult {
	now := e.clock.Now()
	// Снимок мог быть прочитан до полуночи UTC
	state, _ = state.RolledOver(now)

	res := domain.GuardianCheckResult{Passed: true, Denials: []domain.GuardianDenial{}}
	for _, g := range domain.CanonicalOrder() {
		if !cfg.Enabled(g) {
			continue
		}
		res.Denials = append(res.Denials, check(g, intent, cfg, state, now)...)
	}
	res.Passed = len(res.Denials) == 0

	if !res.Passed {
		e.logger.Debug("guardians denied intent",
			zap.String("kind", string(intent.Kind())),
			zap.String("order_id", intent.OrderID()),
			zap.String("summary", res.Summary()),
		)
	}
	return res
}

// check вызывает алгоритм одного гардиана (без учёта Enabled).
func check(g domain.GuardianType, intent domain.ActionIntent, cfg domain.GuardiansConfig, state domain.GuardiansState, now time.Time) []domain.GuardianDenial {
	switch g {
	case domain.GuardianSpend:
		return checkSpend(intent, cfg.Spend, state)
	case domain.GuardianLeverage:
		return checkLeverage(intent, cfg.Leverage)
	case domain.GuardianExposure:
		return checkExposure(intent, cfg.Exposure, state)
	case domain.GuardianVenue:
		return checkVenue(intent, cfg.Venue)
	case domain.GuardianRate:
		return checkRate(cfg.Rate, state, now)
	case domain.GuardianTimeWindow:
		return checkTimeWindow(cfg.TimeWindow, now)
	case domain.GuardianLoss:
		return checkLoss(cfg.Loss, state)
	}
	return nil
}

func checkSpend(intent domain.ActionIntent, cfg domain.SpendConfig, state domain.GuardiansState) []domain.GuardianDenial {
	var out []domain.GuardianDenial
	n := intent.NotionalUSD()

	if n > cfg.MaxPerTrade {
		out = append(out, domain.GuardianDenial{
			Guardian: domain.GuardianSpend,
			Reason:   fmt.Sprintf("trade size $%.2f exceeds max $%s", n, num(cfg.MaxPerTrade)),
			Current:  domain.Float(n),
			Limit:    domain.Float(cfg.MaxPerTrade),
		})
	}
	if total := state.DailySpend + n; total > cfg.MaxDaily {
		out = append(out, domain.GuardianDenial{
			Guardian: domain.GuardianSpend,
			Reason: fmt.Sprintf("daily spend $%.2f + $%.2f = $%.2f exceeds daily max $%s",
				state.DailySpend, n, total, num(cfg.MaxDaily)),
			Current: domain.Float(total),
			Limit:   domain.Float(cfg.MaxDaily),
		})
	}
	return out
}

func checkLeverage(intent domain.ActionIntent, cfg domain.LeverageConfig) []domain.GuardianDenial {
	lev := intent.Leverage()
	if lev <= cfg.MaxLeverage {
		return nil
	}
	return []domain.GuardianDenial{{
		Guardian: domain.GuardianLeverage,
		Reason:   fmt.Sprintf("leverage %sx exceeds max %sx", num(lev), num(cfg.MaxLeverage)),
		Current:  domain.Float(lev),
		Limit:    domain.Float(cfg.MaxLeverage),
	}}
}

// checkExposure: продажи и переводы позицию не наращивают.
func checkExposure(intent domain.ActionIntent, cfg domain.ExposureConfig, state domain.GuardiansState) []domain.GuardianDenial {
	if !intent.AddsExposure() {
		return nil
	}
	asset := intent.Asset()
	next := state.Exposure(asset) + intent.NotionalUSD()
	if next <= cfg.MaxPerAsset {
		return nil
	}
	return []domain.GuardianDenial{{
		Guardian: domain.GuardianExposure,
		Reason: fmt.Sprintf("%s exposure $%.2f would exceed max $%s per asset",
			asset, next, num(cfg.MaxPerAsset)),
		Current: domain.Float(next),
		Limit:   domain.Float(cfg.MaxPerAsset),
	}}
}

// checkVenue: пустой allowlist запрещает всё (default deny).
func checkVenue(intent domain.ActionIntent, cfg domain.VenueConfig) []domain.GuardianDenial {
	venue := intent.Venue()
	if AllowedVenue(cfg.AllowedContracts, venue) {
		return nil
	}
	reason := fmt.Sprintf("venue %s is not in the allowlist", venue)
	if len(cfg.AllowedContracts) == 0 {
		reason = fmt.Sprintf("venue %s denied: allowlist is empty", venue)
	}
	return []domain.GuardianDenial{{Guardian: domain.GuardianVenue, Reason: reason}}
}

// AllowedVenue сравнивает нормализованные значения (checksum для адресов).
func AllowedVenue(allowlist []string, venue string) bool {
	venue = domain.NormalizeVenue(venue)
	return slices.ContainsFunc(allowlist, func(v string) bool {
		return domain.NormalizeVenue(v) == venue
	})
}

func checkRate(cfg domain.RateConfig, state domain.GuardiansState, now time.Time) []domain.GuardianDenial {
	var out []domain.GuardianDenial

	if state.TradeCount >= cfg.MaxPerDay {
		out = append(out, domain.GuardianDenial{
			Guardian: domain.GuardianRate,
			Reason:   fmt.Sprintf("daily trade limit reached: %d/%d", state.TradeCount, cfg.MaxPerDay),
			Current:  domain.Float(float64(state.TradeCount)),
			Limit:    domain.Float(float64(cfg.MaxPerDay)),
		})
	}
	if left := CooldownRemaining(cfg.CooldownSeconds, state.LastTradeAt, now); left > 0 {
		out = append(out, domain.GuardianDenial{
			Guardian: domain.GuardianRate,
			Reason:   fmt.Sprintf("cooldown active: %ds remaining", ceilSeconds(left)),
			Current:  domain.Float(float64(ceilSeconds(left))),
			Limit:    domain.Float(float64(cfg.CooldownSeconds)),
		})
	}
	return out
}

func checkTimeWindow(cfg domain.TimeWindowConfig, now time.Time) []domain.GuardianDenial {
	if cfg.SimulateOutsideHours {
		return []domain.GuardianDenial{{
			Guardian: domain.GuardianTimeWindow,
			Reason:   "outside trading hours (simulated)",
		}}
	}
	hour := now.UTC().Hour()
	if InWindow(hour, cfg.StartHour, cfg.EndHour) {
		return nil
	}
	return []domain.GuardianDenial{{
		Guardian: domain.GuardianTimeWindow,
		Reason: fmt.Sprintf("outside trading hours: %02d:00 UTC not in [%02d:00, %02d:00)",
			hour, cfg.StartHour, cfg.EndHour),
		Current: domain.Float(float64(hour)),
	}}
}

// InWindow: [start, end), при start > end окно переходит через полночь.
// start == end означает пустое окно.
func InWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func checkLoss(cfg domain.LossConfig, state domain.GuardiansState) []domain.GuardianDenial {
	if !state.Halted {
		return nil
	}
	reason := "trading halted"
	if state.HaltReason != "" {
		reason += ": " + state.HaltReason
	}
	return []domain.GuardianDenial{{
		Guardian: domain.GuardianLoss,
		Reason:   reason,
		Current:  domain.Float(state.CurrentDrawdown),
		Limit:    domain.Float(cfg.MaxDrawdown),
	}}
}

// CooldownRemaining = max(0, cooldown - (now - lastTrade)), с точностью до миллисекунды.
// Если часы ушли назад, остаток не превышает полного кулдауна.
func CooldownRemaining(cooldownSeconds int, lastTradeAt, now time.Time) time.Duration {
	if cooldownSeconds <= 0 || lastTradeAt.IsZero() {
		return 0
	}
	full := time.Duration(cooldownSeconds) * time.Second
	elapsed := max(now.Sub(lastTradeAt), 0)
	left := full - elapsed
	if left <= 0 {
		return 0
	}
	return left.Truncate(time.Millisecond)
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// num: 250 -> "250", 2.5 -> "2.5"
func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
