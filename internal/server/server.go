// Package server exposes batch submission, case review and progress streams
// over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/batch"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/store"
)

// Coordinator is the batch surface the API drives.
type Coordinator interface {
	Submit(ctx context.Context, subs []model.Submission, opts batch.SubmitOptions) (string, error)
	Process(ctx context.Context, batchID string) error
	GetBatch(ctx context.Context, id string) (*model.BatchJob, error)
	ListCases(ctx context.Context, filter store.CaseFilter) ([]model.CaseJob, error)
	GetStatus(ctx context.Context, caseID string) (*model.CaseJob, error)
	GetCandidates(ctx context.Context, caseID string) ([]model.MatchResult, error)
	Select(ctx context.Context, caseID, resultID string, override bool) (*model.CaseJob, error)
	ForceManualReview(ctx context.Context, caseID, reason string) (*model.CaseJob, error)
}

// Subscriber hands out per-batch event channels.
type Subscriber interface {
	Subscribe(batchID string, buffer int) (<-chan model.Event, func())
}

// SessionLister reports the platform session pool.
type SessionLister interface {
	Sessions() []model.CrawlerSession
}

// Config holds HTTP server configuration.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxUploadBytes int64
	// AutoDownload is the batch policy when a request does not set one.
	AutoDownload    bool
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// Server is the HTTP API.
type Server struct {
	cfg      Config
	co       Coordinator
	events   Subscriber
	sessions SessionLister
	gatherer prometheus.Gatherer
	validate *validator.Validate
	router   chi.Router
	http     *http.Server

	base context.Context
	bg   sync.WaitGroup
}

// New builds the router. Background batch processing runs on
// context.Background until Serve supplies a lifetime.
func New(cfg Config, co Coordinator, events Subscriber, sessions SessionLister, opts ...Option) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		co:       co,
		events:   events,
		sessions: sessions,
		validate: newValidator(),
		base:     context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/batches", s.submitBatch)
		r.Post("/batches/upload", s.uploadBatch)
		r.Get("/batches/{batchID}", s.getBatch)
		r.Get("/batches/{batchID}/cases", s.listCases)
		r.Get("/batches/{batchID}/events", s.streamEvents)

		r.Get("/cases/{caseID}", s.getCase)
		r.Get("/cases/{caseID}/candidates", s.getCandidates)
		r.Post("/cases/{caseID}/select", s.selectCandidate)
		r.Post("/cases/{caseID}/force-manual-review", s.forceManualReview)

		r.Get("/sessions", s.listSessions)
	})
	return r
}

// Serve listens until ctx is cancelled, then drains requests and waits for
// batches it started. Batches interrupted this way resume on the next run.
// Serve must be called at most once.
func (s *Server) Serve(ctx context.Context) error {
	s.base = ctx
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return eris.Wrapf(err, "server: listen on %s", s.http.Addr)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()
	zap.L().Info("server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "server: serve")
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	err = s.http.Shutdown(shutCtx)
	s.Wait()
	return eris.Wrap(err, "server: shutdown")
}

// Wait blocks until background batch processing has returned.
func (s *Server) Wait() {
	s.bg.Wait()
}

// dispatch processes a freshly submitted batch in the background.
func (s *Server) dispatch(batchID string) {
	ctx := s.base
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.co.Process(ctx, batchID); err != nil {
			zap.L().Warn("batch processing stopped", zap.String("batch_id", batchID), zap.Error(err))
		}
	}()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
