package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/audit"
	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/connectors"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/guardians"
	"github.com/xela07ax/guardian-gateway/internal/risk"
)

const DefaultSignerTimeout = 2 * time.Minute

type ControllerConfig struct {
	// SignerTimeout: сколько ждать терминального события подписанта.
	SignerTimeout time.Duration
	ChainID       uint64
	// DefaultAccountID: счёт подписанта для анонимных запросов.
	DefaultAccountID string
}

// Outcome — итог одной попытки.
type Outcome struct {
	Success      bool                        `json:"success"`
	Stage        domain.Stage                `json:"stage"`
	Source       audit.Source                `json:"source"`
	TxHash       string                      `json:"tx_hash,omitempty"`
	PolicyBreach *domain.PolicyBreach        `json:"policy_breach,omitempty"`
	Error        string                      `json:"error,omitempty"`
	Check        *domain.GuardianCheckResult `json:"guardian_result,omitempty"`
	Transaction  *domain.TransactionState    `json:"transaction,omitempty"`
	AuditID      string                      `json:"audit_id"`
}

// Controller ведёт действие от локальной проверки до терминальной стадии подписанта.
type Controller struct {
	guardians *guardians.Service
	risk      *risk.Engine
	signer    connectors.Signer
	audit     audit.Log
	clock     clock.Clock
	metrics   *Metrics
	logger    *zap.Logger
	cfg       ControllerConfig
}

func NewController(
	svc *guardians.Service,
	eng *risk.Engine,
	signer connectors.Signer,
	log audit.Log,
	c clock.Clock,
	metrics *Metrics,
	logger *zap.Logger,
	cfg ControllerConfig,
) *Controller {
	if cfg.SignerTimeout <= 0 {
		cfg.SignerTimeout = DefaultSignerTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		guardians: svc,
		risk:      eng,
		signer:    signer,
		audit:     log,
		clock:     clock.OrReal(c),
		metrics:   metrics,
		logger:    logger.With(zap.String("mod", "lifecycle")),
		cfg:       cfg,
	}
}

// RecordAccount — значение поля Account в аудите: анонимные записи помечаются "anonymous".
func RecordAccount(key guardians.Key) string {
	if key.Anonymous() {
		return key.String()
	}
	return key.Account
}

func (c *Controller) newRecord(ctx context.Context, key guardians.Key, intent domain.ActionIntent, start time.Time) audit.Record {
	return audit.Record{
		ID:             uuid.NewString(),
		Timestamp:      start,
		TraceID:        TraceID(ctx),
		ActionType:     intent.Kind(),
		ActionCategory: intent.Category(),
		Org:            key.Org,
		Account:        RecordAccount(key),
		OrderID:        intent.OrderID(),
		Payload:        domain.IntentPayload(intent),
		Status:         audit.StatusPending,
	}
}

// finish фиксирует запись аудита. Ошибка журнала не меняет исход действия.
func (c *Controller) finish(ctx context.Context, rec audit.Record, status audit.Status, start time.Time) string {
	if err := rec.Resolve(status); err != nil {
		c.logger.Error("audit status transition", zap.String("id", rec.ID), zap.Error(err))
		return rec.ID
	}
	rec.DurationMs = c.clock.Now().Sub(start).Milliseconds()
	if err := c.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("audit record failed", zap.String("id", rec.ID), zap.Error(err))
		if errors.Is(err, audit.ErrDropped) {
			c.metrics.AuditDropped.Inc()
		}
	}
	return rec.ID
}

func (c *Controller) observeCheck(mode string, res domain.GuardianCheckResult) {
	result := "passed"
	if !res.Passed {
		result = "denied"
		for _, d := range res.Denials {
			c.metrics.Denials.WithLabelValues(string(d.Guardian)).Inc()
		}
	}
	c.metrics.Checks.WithLabelValues(mode, result).Inc()
}

// Submit: локальная проверка, отправка подписанту, ожидание ровно одного терминального события.
// Ошибка возвращается только для невалидного intent и сбоя хранилища гардианов;
// всё остальное, терминальная стадия в Outcome.
func (c *Controller) Submit(ctx context.Context, key guardians.Key, intent domain.ActionIntent) (Outcome, error) {
	// 1. Валидация до гардианов
	if intent == nil {
		return Outcome{}, fmt.Errorf("%w: intent is required", domain.ErrValidation)
	}
	if err := intent.Validate(); err != nil {
		return Outcome{}, err
	}

	start := c.clock.Now()
	rec := c.newRecord(ctx, key, intent, start)
	logger := c.logger.With(zap.String("audit_id", rec.ID), zap.String("account", key.String()),
		zap.String("kind", string(intent.Kind())))

	// 2. Локальная проверка с удержанием лимитов на время жизненного цикла
	res, rsv, err := c.guardians.CheckAndReserve(ctx, key, intent, c.risk.CheckAllGuardians)
	if err != nil {
		return Outcome{}, err
	}
	c.observeCheck("submit", res)
	rec.Result = &res

	if !res.Passed {
		rec.Source = audit.SourceLocal
		rec.Stage = domain.StageDenied
		rec.Error = fmt.Errorf("%w: %s", domain.ErrGuardianDenied, res.Summary()).Error()
		c.metrics.Outcomes.WithLabelValues(string(domain.StageDenied), string(audit.SourceLocal)).Inc()
		logger.Info("action denied by guardians", zap.String("reason", res.Summary()))

		return Outcome{
			Stage:   domain.StageDenied,
			Source:  audit.SourceLocal,
			Error:   rec.Error,
			Check:   &res,
			AuditID: c.finish(ctx, rec, audit.StatusDenied, start),
		}, nil
	}

	// 3. Дальше решает подписант; удержание снимается или фиксируется ровно один раз
	st := c.runSigner(ctx, key, intent, logger)

	if st.Stage == domain.StageConfirmed {
		if _, err := rsv.Commit(context.WithoutCancel(ctx)); err != nil {
			// транзакция уже в сети: счётчики отстанут, но исход не меняется
			logger.Error("record trade failed after confirmation", zap.String("tx_hash", st.TxHash), zap.Error(err))
		}
	} else {
		rsv.Release()
	}

	rec.Source = audit.SourceRemote
	rec.Stage = st.Stage
	rec.TxHash = st.TxHash
	rec.PolicyBreach = st.PolicyBreach
	rec.Error = st.Error

	c.metrics.Outcomes.WithLabelValues(string(st.Stage), string(audit.SourceRemote)).Inc()
	c.metrics.LifecycleDuration.WithLabelValues(string(st.Stage)).Observe(c.clock.Now().Sub(start).Seconds())
	logger.Info("action resolved", zap.String("stage", string(st.Stage)),
		zap.String("tx_hash", st.TxHash), zap.String("error", st.Error))

	return Outcome{
		Success:      st.Stage == domain.StageConfirmed,
		Stage:        st.Stage,
		Source:       audit.SourceRemote,
		TxHash:       st.TxHash,
		PolicyBreach: st.PolicyBreach,
		Error:        st.Error,
		Check:        &res,
		Transaction:  &st,
		AuditID:      c.finish(ctx, rec, audit.StatusForStage(st.Stage), start),
	}, nil
}

// runSigner отправляет intent и ждёт терминальную стадию (или таймаут).
func (c *Controller) runSigner(ctx context.Context, key guardians.Key, intent domain.ActionIntent, logger *zap.Logger) domain.TransactionState {
	tr := NewTracker(c.clock)
	tr.Advance(domain.StageProposed)

	account := key.Account
	if key.Anonymous() || account == "" {
		account = c.cfg.DefaultAccountID
	}
	req, err := connectors.BuildRequest(account, c.cfg.ChainID, intent)
	if err != nil {
		tr.Resolve(domain.StageFailed, func(st *domain.TransactionState) { st.Error = err.Error() })
		return tr.State()
	}

	// 1. Таймер запускается до Submit: зависшее принятие тоже ограничено
	timeout := c.clock.After(c.cfg.SignerTimeout)

	op, err := c.signer.Submit(ctx, req, tr.Callbacks())
	if err != nil {
		msg := fmt.Errorf("%w: %v", domain.ErrTransport, err).Error()
		if ctx.Err() != nil {
			msg = "cancelled before signer accepted: " + ctx.Err().Error()
		}
		tr.Resolve(domain.StageFailed, func(st *domain.TransactionState) { st.Error = msg })
		return tr.State()
	}
	logger = logger.With(zap.String("operation_id", op.ID()))

	// 2. Поток стадий до разрешения
	events := tr.Events()
	ctxDone := ctx.Done()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			logger.Debug("signer stage", zap.String("stage", string(ev.Stage)))
		case <-timeout:
			if tr.Resolve(domain.StageExpired, func(st *domain.TransactionState) {
				st.Error = fmt.Errorf("%w after %s", domain.ErrTimeout, c.cfg.SignerTimeout).Error()
			}) {
				logger.Warn("signer timeout, cancelling operation")
				op.Cancel()
			}
		case <-ctxDone:
			// после приёма отмена только просьба: исход определяет платформа
			logger.Info("caller cancelled, requesting best-effort cancel")
			op.Cancel()
			ctxDone = nil
		}
	}
	return tr.State()
}

// Evaluate — dry-run: только локальная проверка, без удержаний и подписанта.
func (c *Controller) Evaluate(ctx context.Context, key guardians.Key, intent domain.ActionIntent) (Outcome, error) {
	if intent == nil {
		return Outcome{}, fmt.Errorf("%w: intent is required", domain.ErrValidation)
	}
	if err := intent.Validate(); err != nil {
		return Outcome{}, err
	}

	start := c.clock.Now()
	res, err := c.guardians.Preview(ctx, key, intent, c.risk.CheckAllGuardians)
	if err != nil {
		return Outcome{}, err
	}
	c.observeCheck("evaluate", res)

	rec := c.newRecord(ctx, key, intent, start)
	rec.Result = &res
	rec.Source = audit.SourceLocal

	out := Outcome{Success: res.Passed, Source: audit.SourceLocal, Check: &res}
	status := audit.StatusApproved
	if !res.Passed {
		status = audit.StatusDenied
		out.Stage = domain.StageDenied
		out.Error = fmt.Errorf("%w: %s", domain.ErrGuardianDenied, res.Summary()).Error()
		rec.Stage = domain.StageDenied
		rec.Error = out.Error
	}
	out.AuditID = c.finish(ctx, rec, status, start)
	return out, nil
}

// TestDenial принудительно вызывает отказ гардиана g на синтетическом intent.
// Реальные конфиг и счётчики не меняются.
func (c *Controller) TestDenial(ctx context.Context, key guardians.Key, g domain.GuardianType) (Outcome, error) {
	snap, err := c.guardians.Snapshot(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	probe, res, err := c.risk.TestGuardian(g, snap.Config, snap.State)
	if err != nil {
		return Outcome{}, err
	}

	start := c.clock.Now()
	rec := c.newRecord(ctx, key, probe.Intent, start)
	rec.Result = &res
	rec.Source = audit.SourceTest
	rec.Stage = domain.StageDenied
	rec.Error = fmt.Errorf("%w: %s", domain.ErrGuardianDenied, res.Summary()).Error()

	c.metrics.Outcomes.WithLabelValues(string(domain.StageDenied), string(audit.SourceTest)).Inc()

	status := audit.StatusDenied
	if res.Passed {
		// не должно случаться: проба строится под отказ
		c.logger.Error("test probe passed", zap.String("guardian", string(g)))
		status = audit.StatusApproved
		rec.Stage = ""
		rec.Error = ""
	}
	return Outcome{
		Success: res.Passed,
		Stage:   rec.Stage,
		Source:  audit.SourceTest,
		Error:   rec.Error,
		Check:   &res,
		AuditID: c.finish(ctx, rec, status, start),
	}, nil
}

// ListAccounts — счета подписанта (идемпотентный вызов с повторами).
func (c *Controller) ListAccounts(ctx context.Context) ([]connectors.Account, error) {
	return c.signer.ListAccounts(ctx)
}
