package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/RagingGuard/video-share/internal/api"
	"github.com/RagingGuard/video-share/internal/observability/logging"
	"github.com/RagingGuard/video-share/internal/observability/metrics"
	"github.com/RagingGuard/video-share/web"
)

// quietPaths are polled by players and the monitor page every few seconds.
var quietPaths = []string{"/update-status", "/monitor-data", "/health-check"}

type Config struct {
	Addr                  string
	RateLimit             RateLimitConfig
	RateLimiter           *RateLimiter
	TrustForwardedHeaders bool
	Security              SecurityConfig
	CORS                  CORSConfig
	Static                fs.FS
	Logger                *slog.Logger
	Metrics               *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	rateLimiter *RateLimiter
}

// New wires handler into the route table and middleware chain. Streams can
// run for as long as a client keeps watching, so the server sets no write
// timeout.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	staticFS := cfg.Static
	if staticFS == nil {
		var err error
		staticFS, err = web.Static()
		if err != nil {
			return nil, fmt.Errorf("load web assets: %w", err)
		}
	}
	if handler.Pages == nil {
		handler.Pages = staticFS
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		var err error
		limiter, err = NewRateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("configure rate limiter: %w", err)
		}
	}
	if handler.RateLimiter == nil && limiter.Distributed() {
		handler.RateLimiter = limiter
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", handler.Index)
	mux.HandleFunc("/monitor", handler.Monitor)
	mux.HandleFunc("/monitor-data", handler.MonitorData)
	mux.HandleFunc("/videos", handler.Videos)
	mux.HandleFunc("/search", handler.Search)
	mux.HandleFunc("/video/", handler.Video)
	mux.HandleFunc("/verify-secret", handler.VerifySecret)
	mux.HandleFunc("/invalidate-token", handler.InvalidateToken)
	mux.HandleFunc("/update-status", handler.UpdateStatus)
	mux.HandleFunc("/health-check", handler.HealthCheck)
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	chain := handler.TrackConnections(mux)
	chain = rateLimitMiddleware(limiter, logger, recorder, chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, Quiet: quietPaths})(chain)
	chain = requestIDMiddleware(logger, chain)
	chain = clientIPMiddleware(cfg.TrustForwardedHeaders, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       180 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer:  httpServer,
		handler:     chain,
		logger:      logger,
		rateLimiter: limiter,
	}, nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Shutdown drains in-flight requests and releases the rate limiter backend.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.rateLimiter.Close(); closeErr != nil {
		s.logger.Warn("close rate limiter", "error", closeErr)
	}
	return err
}

func rateLimitMiddleware(rl *RateLimiter, logger *slog.Logger, recorder *metrics.Recorder, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			recorder.RateLimited("global")
			api.WriteError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/verify-secret" {
			allowed, retryAfter, err := rl.AllowVerify(r.Context(), clientIPFromRequest(r))
			if err != nil {
				logging.FromRequest(r, logger).Error("rate limiter failure", "error", err)
				api.WriteError(w, http.StatusServiceUnavailable, errors.New("rate limiter unavailable"))
				return
			}
			if !allowed {
				recorder.RateLimited("verify")
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				api.WriteError(w, http.StatusTooManyRequests, errors.New("too many password attempts"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
