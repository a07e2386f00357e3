package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/guardian-gateway/internal/connectors"
)

type ReliabilityConfig struct {
	RateLimit float64 // запросов в секунду
	RateBurst int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBFailures    uint32 // подряд, после которых предохранитель размыкается

	ListAttempts uint
	CallTimeout  time.Duration // на одну попытку ListAccounts
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.CBMaxRequests == 0 {
		c.CBMaxRequests = 3
	}
	if c.CBInterval <= 0 {
		c.CBInterval = 5 * time.Second
	}
	if c.CBTimeout <= 0 {
		c.CBTimeout = 30 * time.Second
	}
	if c.CBFailures == 0 {
		c.CBFailures = 5
	}
	if c.ListAttempts == 0 {
		c.ListAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// ReliableSigner — лимитер и предохранитель перед подписантом.
// Submit никогда не повторяется (двойная отправка хуже отказа),
// ListAccounts идемпотентен и повторяется с бэкоффом.
type ReliableSigner struct {
	next    connectors.Signer
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	logger  *zap.Logger
}

var _ connectors.Signer = (*ReliableSigner)(nil)

func NewReliableSigner(next connectors.Signer, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliableSigner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("mod", "reliable-signer"))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "signer",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBFailures
		},
		// Отказ политики и отмена вызывающим не считаются поломкой подписанта
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.Stringer("from", from), zap.Stringer("to", to))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &ReliableSigner{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
		logger:  logger,
	}
}

// State — текущее состояние предохранителя.
func (s *ReliableSigner) State() gobreaker.State { return s.cb.State() }

func (s *ReliableSigner) Submit(ctx context.Context, req connectors.SubmitRequest, cb connectors.Callbacks) (connectors.Operation, error) {
	// 1. Rate Limiter
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	// 2. Circuit Breaker, без повторов
	res, err := s.cb.Execute(func() (any, error) {
		return s.next.Submit(ctx, req, cb)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &connectors.TransportError{Op: "submit", Temporary: true, Err: err}
		}
		return nil, err
	}
	return res.(connectors.Operation), nil
}

func (s *ReliableSigner) ListAccounts(ctx context.Context) ([]connectors.Account, error) {
	var accounts []connectors.Account

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.cfg.ListAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(connectors.IsRetryable),
		// Умный расчет задержки
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Если подписант вернул ThrottleError (Retry-After)
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			// В остальных случаях, стандартный экспоненциальный бэкофф
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("list accounts retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)

	err := r.Do(func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := s.cb.Execute(func() (any, error) {
			tCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
			return s.next.ListAccounts(tCtx)
		})
		if err != nil {
			return err
		}
		accounts = res.([]connectors.Account)
		return nil
	})
	return accounts, err
}
