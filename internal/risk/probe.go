package risk

import (
	"fmt"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// Probe — синтетическая проверка, гарантированно отклоняемая одним гардианом.
// Config и State — копии, подготовленные под отказ; реальное состояние не трогается.
type Probe struct {
	Guardian domain.GuardianType
	Intent   domain.ActionIntent
	Config   domain.GuardiansConfig
	State    domain.GuardiansState
}

const probeMarket = "ETH-USD"

// TestIntent строит Probe для гардиана g. Выключенный гардиан включается в копии конфига.
func TestIntent(g domain.GuardianType, cfg domain.GuardiansConfig, state domain.GuardiansState) (Probe, error) {
	cfg = cfg.Clone()
	state = state.Clone()
	if err := cfg.SetEnabled(g, true); err != nil {
		return Probe{}, err
	}

	p := Probe{Guardian: g, Config: cfg, State: state}
	base := domain.SpotOrder{ID: "probe-" + string(g), Side: domain.SideBuy, Market: probeMarket, Notional: 1}

	switch g {
	case domain.GuardianSpend:
		p.Intent = base.WithNotional(max(cfg.Spend.MaxPerTrade, 0) + 1)
	case domain.GuardianLeverage:
		p.Intent = domain.MarketOrder{
			ID: base.ID, Side: domain.SideBuy, Market: "ETH-PERP", Notional: 1,
			Lev: max(cfg.Leverage.MaxLeverage, 1) + 1,
		}
	case domain.GuardianExposure:
		p.Intent = base.WithNotional(max(cfg.Exposure.MaxPerAsset, 0) + 1)
	case domain.GuardianVenue:
		p.Intent = base.WithContract(unlistedContract(cfg.Venue.AllowedContracts))
	case domain.GuardianRate:
		// Дневной лимит считается исчерпанным
		p.Config.Rate.MaxPerDay = state.TradeCount
		p.Intent = base
	case domain.GuardianTimeWindow:
		p.Config.TimeWindow.SimulateOutsideHours = true
		p.Intent = base
	case domain.GuardianLoss:
		p.State.Halted = true
		if p.State.HaltReason == "" {
			p.State.HaltReason = "test denial"
		}
		p.Intent = base
	default:
		return Probe{}, fmt.Errorf("%w: %q", domain.ErrUnknownGuardian, g)
	}
	return p, nil
}

// TestGuardian прогоняет Probe только через целевой гардиан.
func (e *Engine) TestGuardian(g domain.GuardianType, cfg domain.GuardiansConfig, state domain.GuardiansState) (Probe, domain.GuardianCheckResult, error) {
	now := e.clock.Now()
	state, _ = state.RolledOver(now)

	p, err := TestIntent(g, cfg, state)
	if err != nil {
		return Probe{}, domain.GuardianCheckResult{}, err
	}

	denials := check(g, p.Intent, p.Config, p.State, now)
	return p, domain.GuardianCheckResult{Passed: len(denials) == 0, Denials: denials}, nil
}

// unlistedContract подбирает адрес, которого нет в allowlist.
func unlistedContract(allowlist []string) string {
	for i := 1; ; i++ {
		addr := fmt.Sprintf("0x%040x", 0xdead0000+i)
		if !AllowedVenue(allowlist, addr) {
			return addr
		}
	}
}
