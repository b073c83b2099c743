package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/trustgate/internal/console/handler"
	"github.com/xela07ax/trustgate/internal/engine"
	"go.uber.org/zap"
)

// HealthChecker: зависимость, без которой сервис не готов (Postgres, Redis).
type HealthChecker func(r *http.Request) error

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Обработчики бизнес-доменов
	releaseHandler *handler.ReleaseHandler // /v1/release
	auditHandler   *handler.AuditHandler   // /v1/audit/{ws}
	shredHandler   *handler.ShredHandler   // /v1/shred/{ws}
	packetHandler  *handler.PacketHandler  // /v1/packets/{ws}

	health []HealthChecker
}

// NewConsoleServer инициализирует HTTP API со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	releaseH *handler.ReleaseHandler,
	auditH *handler.AuditHandler,
	shredH *handler.ShredHandler,
	packetH *handler.PacketHandler,
	health ...HealthChecker,
) *ConsoleServer {
	s := &ConsoleServer{
		router:         chi.NewRouter(),
		logger:         logger.Named("console-api"),
		releaseHandler: releaseH,
		auditHandler:   auditH,
		shredHandler:   shredH,
		packetHandler:  packetH,
		health:         health,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		// Release Gate и публичные сведения о сертификатах
		r.Route("/release", func(r chi.Router) {
			r.Post("/", s.releaseHandler.Release)
			r.Get("/cert/meta", s.releaseHandler.Meta)
			r.Post("/cert/verify", s.releaseHandler.Verify)
		})

		// Журнал аудита
		r.Route("/audit/{ws}", func(r chi.Router) {
			r.Post("/events", s.auditHandler.Append)
			r.Get("/events", s.auditHandler.Events)
			r.Get("/verify", s.auditHandler.Verify)
			r.Post("/proofs", s.auditHandler.Snapshot)
			r.Get("/proofs/latest", s.auditHandler.LatestProof)
		})

		// Crypto Shredder
		r.Route("/shred/{ws}", func(r chi.Router) {
			r.Post("/key", s.shredHandler.EnsureKey)
			r.Post("/encrypt", s.shredHandler.Encrypt)
			r.Post("/decrypt", s.shredHandler.Decrypt)
			r.Delete("/", s.shredHandler.Shred)
		})

		// Экспорт proof packet
		r.Post("/packets/{ws}", s.packetHandler.Export)
	})
}

func (s *ConsoleServer) healthz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.health {
		if err := check(r); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// requestLogger пишет одну строку на запрос в структурированном виде.
func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("trace_id", engine.TraceID(r.Context())),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
