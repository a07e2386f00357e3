// Package presets хранит именованные наборы параметров гардианов.
package presets

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

const (
	Default      = "default"
	Conservative = "conservative"
	Aggressive   = "aggressive"

	// Custom: активный конфиг не совпадает ни с одним пресетом.
	Custom = "custom"
)

func builtins() map[string]domain.GuardiansConfig {
	return map[string]domain.GuardiansConfig{
		Default: {
			Spend:      domain.SpendConfig{Enabled: true, MaxPerTrade: 250, MaxDaily: 1000},
			Leverage:   domain.LeverageConfig{Enabled: true, MaxLeverage: 3},
			Exposure:   domain.ExposureConfig{Enabled: true, MaxPerAsset: 2500},
			Venue:      domain.VenueConfig{Enabled: false, AllowedContracts: []string{}},
			Rate:       domain.RateConfig{Enabled: true, MaxPerDay: 20, CooldownSeconds: 60},
			TimeWindow: domain.TimeWindowConfig{Enabled: false, StartHour: 0, EndHour: 24},
			Loss:       domain.LossConfig{Enabled: true, MaxDrawdown: 10},
		},
		Conservative: {
			Spend:      domain.SpendConfig{Enabled: true, MaxPerTrade: 100, MaxDaily: 500},
			Leverage:   domain.LeverageConfig{Enabled: true, MaxLeverage: 1},
			Exposure:   domain.ExposureConfig{Enabled: true, MaxPerAsset: 1000},
			Venue:      domain.VenueConfig{Enabled: true, AllowedContracts: []string{"ETH-USD", "BTC-USD", "USDC"}},
			Rate:       domain.RateConfig{Enabled: true, MaxPerDay: 10, CooldownSeconds: 300},
			TimeWindow: domain.TimeWindowConfig{Enabled: true, StartHour: 13, EndHour: 21},
			Loss:       domain.LossConfig{Enabled: true, MaxDrawdown: 5},
		},
		Aggressive: {
			Spend:      domain.SpendConfig{Enabled: true, MaxPerTrade: 1000, MaxDaily: 10000},
			Leverage:   domain.LeverageConfig{Enabled: true, MaxLeverage: 10},
			Exposure:   domain.ExposureConfig{Enabled: true, MaxPerAsset: 10000},
			Venue:      domain.VenueConfig{Enabled: false, AllowedContracts: []string{}},
			Rate:       domain.RateConfig{Enabled: true, MaxPerDay: 100, CooldownSeconds: 10},
			TimeWindow: domain.TimeWindowConfig{Enabled: false, StartHour: 0, EndHour: 24},
			Loss:       domain.LossConfig{Enabled: true, MaxDrawdown: 25},
		},
	}
}

// Catalog — реестр неизменяемых пресетов.
// Наружу отдаются только глубокие копии: правка "custom" не портит канонический экземпляр.
type Catalog struct {
	mu      sync.RWMutex
	presets map[string]domain.GuardiansConfig
}

// New создаёт каталог со встроенными пресетами default/conservative/aggressive.
func New() *Catalog {
	return &Catalog{presets: builtins()}
}

// Get возвращает копию пресета name.
func (c *Catalog) Get(name string) (domain.GuardiansConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg, ok := c.presets[strings.ToLower(name)]
	if !ok {
		return domain.GuardiansConfig{}, fmt.Errorf("%w: %q", domain.ErrUnknownPreset, name)
	}
	return cfg.Clone(), nil
}

// MustGet для встроенных имён.
func (c *Catalog) MustGet(name string) domain.GuardiansConfig {
	cfg, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Names — имена пресетов по алфавиту.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.presets))
	for n := range c.presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Match возвращает имя пресета, равного cfg, либо Custom.
func (c *Catalog) Match(cfg domain.GuardiansConfig) string {
	for _, name := range c.Names() {
		c.mu.RLock()
		p := c.presets[name]
		c.mu.RUnlock()
		if p.Equal(cfg) {
			return name
		}
	}
	return Custom
}

// Register добавляет или заменяет пресет.
func (c *Catalog) Register(name string, cfg domain.GuardiansConfig) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == Custom {
		return fmt.Errorf("%w: preset name %q is reserved", domain.ErrValidation, name)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("preset %s: %w", name, err)
	}
	cfg = cfg.Clone()
	if cfg.Venue.AllowedContracts == nil {
		cfg.Venue.AllowedContracts = []string{}
	}

	c.mu.Lock()
	c.presets[name] = cfg
	c.mu.Unlock()
	return nil
}

// bundle — формат YAML-файла с пресетами.
type bundle struct {
	Presets map[string]domain.GuardiansConfig `yaml:"presets"`
}

// LoadFile подгружает пресеты из YAML. Каждый пресет описывается полностью:
// отсутствующие поля становятся нулевыми, а не наследуются от встроенного.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read presets file: %w", err)
	}
	return c.Load(data)
}

func (c *Catalog) Load(data []byte) error {
	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("parse presets: %w", err)
	}

	// Сначала валидируем всё, чтобы битый файл не оставил каталог наполовину обновлённым
	names := make([]string, 0, len(b.Presets))
	for name, cfg := range b.Presets {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("preset %s: %w", name, err)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := c.Register(name, b.Presets[name]); err != nil {
			return err
		}
	}
	return nil
}
