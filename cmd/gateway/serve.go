package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/audit"
	"github.com/xela07ax/guardian-gateway/internal/clock"
	"github.com/xela07ax/guardian-gateway/internal/connectors"
	"github.com/xela07ax/guardian-gateway/internal/console/handler"
	"github.com/xela07ax/guardian-gateway/internal/console/server"
	"github.com/xela07ax/guardian-gateway/internal/engine"
	"github.com/xela07ax/guardian-gateway/internal/guardians"
	"github.com/xela07ax/guardian-gateway/internal/infra"
	"github.com/xela07ax/guardian-gateway/internal/infra/auth"
	"github.com/xela07ax/guardian-gateway/internal/repository/postgres"
	"github.com/xela07ax/guardian-gateway/internal/risk"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := infra.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger, err := infra.NewLogger(cfg.Logger)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return serve(cmd.Context(), cfg, logger)
	},
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей
	appCtx, cancel := signal.NotifyContext(orBackground(ctx), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 1. Инфраструктура и ресурсы
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return err
		}
	}

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = postgres.NewPool(appCtx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(appCtx, pool); err != nil {
			return err
		}
	}

	// 2. Хранилище гардианов и трансляция остановок
	var (
		store      guardians.Store
		haltSource engine.HaltSource
		forward    guardians.HaltNotifier
		cached     *guardians.CachedStore
		pgStore    *postgres.GuardiansRepo
	)
	if rdb != nil {
		redisHalts := guardians.NewRedisHaltNotifier(rdb)
		forward, haltSource = redisHalts, redisHalts
	}
	switch cfg.Guardians.Backend {
	case "redis":
		cached = guardians.NewCachedStore(guardians.NewRedisStore(rdb, logger), logger)
		store = cached
	case "postgres":
		pgStore = postgres.NewGuardiansRepo(pool)
		store = pgStore
		if haltSource == nil {
			haltSource = pgStore
		}
	}

	var onChange func(guardians.Key)
	if cached != nil {
		onChange = cached.Invalidate
	}
	board := engine.NewHaltBoard(haltSource, forward, onChange, logger)
	if err := board.Init(appCtx); err != nil {
		return err
	}
	if pgStore != nil {
		// Redis мог быть очищен: восстанавливаем множество остановок из БД
		if err := board.WarmupHalts(appCtx, rdb, pgStore); err != nil {
			logger.Warn("halt warm-up failed", zap.Error(err))
		}
	}
	if rdb != nil {
		go board.StartListener(appCtx, rdb)
	}
	if cached != nil {
		go engine.ListenStateResilient(appCtx, rdb, logger, infra.RedisChanGuardiansUpdate, cached.Purge, cached.OnSignal)
	}

	svc, err := guardians.NewService(store, catalog, clk, logger, guardians.Options{
		DefaultPreset: cfg.Guardians.DefaultPreset,
		Notifier:      board,
	})
	if err != nil {
		return err
	}

	// 3. Аудит: Postgres через буфер, иначе в памяти
	var auditLog audit.Log
	if pool != nil {
		repo := postgres.NewAuditRepo(pool)
		writer := audit.NewBatchWriter(repo, audit.BatchWriterConfig{
			BufferSize:    cfg.Engine.AuditBufferSize,
			BatchSize:     cfg.Engine.AuditBatchSize,
			FlushInterval: cfg.Engine.AuditFlushInterval,
		}, logger)
		writer.Start()
		defer writer.Stop()
		go reportBufferFill(appCtx, writer, metrics)
		auditLog = audit.NewPersistentLog(writer, repo)
	} else {
		auditLog = audit.NewMemoryLog()
	}

	// 4. Подписант (Rate limit, Circuit Breaker, повторы только для чтения)
	var signer connectors.Signer
	switch cfg.Signer.Mode {
	case "http":
		signer = connectors.NewHTTPSigner(connectors.HTTPSignerConfig{
			BaseURL:       cfg.Signer.BaseURL,
			APIKey:        cfg.Signer.APIKey,
			StreamTimeout: cfg.Engine.SignerTimeout + time.Minute,
		}, nil, logger)
	default:
		signer = connectors.NewMockSigner(clk)
	}
	signer = engine.NewReliableSigner(signer, engine.ReliabilityConfig{
		RateLimit:     cfg.Engine.RateLimit,
		RateBurst:     cfg.Engine.RateBurst,
		CBMaxRequests: cfg.Engine.CBMaxRequests,
		CBInterval:    cfg.Engine.CBInterval,
		CBTimeout:     cfg.Engine.CBTimeout,
		CBFailures:    cfg.Engine.CBFailures,
		ListAttempts:  cfg.Engine.ListAttempts,
		CallTimeout:   cfg.Signer.CallTimeout,
	}, metrics, logger)

	// 5. Core
	ctrl := engine.NewController(svc, risk.NewEngine(clk, logger), signer, auditLog, clk, metrics, logger,
		engine.ControllerConfig{
			SignerTimeout:    cfg.Engine.SignerTimeout,
			ChainID:          cfg.Signer.ChainID,
			DefaultAccountID: cfg.Signer.DefaultAccount,
		})

	// 6. HTTP Server
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(pub)
	}
	api := server.NewConsoleServer(logger, server.Options{
		Validator:    validator,
		AuthRequired: cfg.Auth.Required,
		Gatherer:     reg,
	},
		handler.NewGuardiansHandler(svc, board),
		handler.NewActionsHandler(ctrl),
		handler.NewAuditHandler(auditLog),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr),
			zap.String("signer", cfg.Signer.Mode), zap.String("backend", cfg.Guardians.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-appCtx.Done():
	}
	logger.Info("gateway stopping")

	// Даём in-flight отправкам дойти до терминальной стадии
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.SignerTimeout+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("gateway exited properly")
	return nil
}

// reportBufferFill публикует заполненность буфера аудита.
func reportBufferFill(ctx context.Context, w *audit.BatchWriter, metrics *engine.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.AuditBufferFill.Set(float64(w.Len()) / float64(max(w.Cap(), 1)))
		}
	}
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
