package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/console/handler"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/engine"
	"github.com/xela07ax/guardian-gateway/internal/infra/auth"
)

type Options struct {
	// Validator == nil: проверка токенов выключена, все запросы анонимные
	Validator    auth.TokenValidator
	AuthRequired bool
	// Gatherer для /metrics; nil, эндпоинт не регистрируется
	Gatherer prometheus.Gatherer
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	opts   Options

	// Обработчики бизнес-доменов
	guardiansHandler *handler.GuardiansHandler // /v1/guardians
	actionsHandler   *handler.ActionsHandler   // /v1/actions, /v1/signer
	auditHandler     *handler.AuditHandler     // /v1/audit, /v1/events
}

// NewConsoleServer инициализирует API шлюза со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	opts Options,
	guardiansH *handler.GuardiansHandler,
	actionsH *handler.ActionsHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		opts:             opts,
		guardiansHandler: guardiansH,
		actionsHandler:   actionsH,
		auditHandler:     auditH,
	}

	s.routes()
	return s
}

// requestLog — access log в zap
func (s *ConsoleServer) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("trace_id", engine.TraceID(r.Context())),
		)
	})
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.opts.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. ПЕРИМЕТР (RS256 токен опционален, если не требуется конфигом) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.opts.Validator, s.opts.AuthRequired, s.logger))

		r.Route("/v1/guardians", func(r chi.Router) {
			r.Get("/config", s.guardiansHandler.GetConfig)
			r.Get("/state", s.guardiansHandler.GetState)
			r.Get("/presets", s.guardiansHandler.ListPresets)
			r.Get("/halted", s.guardiansHandler.Halted)

			// Мутации конфига и счётчиков
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(domain.ScopeGuardiansWrite))

				r.Post("/preset", s.guardiansHandler.ApplyPreset)
				r.Post("/simulate/drawdown", s.guardiansHandler.SimulateDrawdown)
				r.Post("/simulate/outside-hours", s.guardiansHandler.SimulateOutsideHours)
				r.Post("/drawdown", s.guardiansHandler.ReportDrawdown)
				r.Post("/resume", s.guardiansHandler.Resume)
				r.Post("/reset", s.guardiansHandler.Reset)

				r.Route("/{type}", func(r chi.Router) {
					r.Patch("/", s.guardiansHandler.Patch)
					r.Post("/toggle", s.guardiansHandler.Toggle)
					r.Post("/test", s.actionsHandler.TestDenial) // демо-отказ, пишется в аудит
				})
			})
		})

		r.Route("/v1/actions", func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeActionsSubmit))
			r.Post("/submit", s.actionsHandler.Submit)
			r.Post("/check", s.actionsHandler.Check)
		})

		r.Get("/v1/signer/accounts", s.actionsHandler.Accounts)

		// Аудит и события
		r.Get("/v1/events", s.auditHandler.Events)
		r.Get("/v1/audit", s.auditHandler.Query)
		r.Get("/v1/audit/stats", s.auditHandler.Stats)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
