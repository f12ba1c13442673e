// Command server shares the configured folders as a LAN video library.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RagingGuard/video-share/internal/api"
	"github.com/RagingGuard/video-share/internal/archive"
	"github.com/RagingGuard/video-share/internal/auth"
	"github.com/RagingGuard/video-share/internal/catalog"
	"github.com/RagingGuard/video-share/internal/config"
	"github.com/RagingGuard/video-share/internal/connections"
	"github.com/RagingGuard/video-share/internal/maintenance"
	"github.com/RagingGuard/video-share/internal/observability/logging"
	"github.com/RagingGuard/video-share/internal/observability/metrics"
	"github.com/RagingGuard/video-share/internal/server"
	"github.com/RagingGuard/video-share/internal/serverutil"
	"github.com/RagingGuard/video-share/internal/stream"
)

const (
	version         = "1.0"
	shutdownTimeout = 10 * time.Second
	archiveTimeout  = 10 * time.Second
)

type options struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a config file (default ./config.yaml when present)")
	fs.StringVar(&opts.addr, "addr", "", "listen address, overrides the configured port")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json, text)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// listenAddr returns the address to bind and the port advertised in access
// URLs. Port 0 in an override binds an ephemeral port.
func listenAddr(cfg config.Config, override string) (string, int, error) {
	if override == "" {
		return cfg.Addr(), cfg.Port, nil
	}
	_, portText, err := net.SplitHostPort(override)
	if err != nil {
		return "", 0, fmt.Errorf("invalid -addr %q: %w", override, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid -addr %q: bad port", override)
	}
	return override, port, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, opts.addr, logger, metrics.Default())
	if err != nil {
		return err
	}
	return app.run(ctx)
}

// app owns every long-lived component of one server process.
type app struct {
	cfg       config.Config
	port      int
	logger    *slog.Logger
	server    *server.Server
	scheduler *maintenance.Scheduler
	watcher   *catalog.Watcher
	archiver  *archive.Archiver
	tokens    *auth.TokenStore
	registry  *connections.Registry
	resolver  *connections.InterfaceResolver
}

func newApp(ctx context.Context, cfg config.Config, addrOverride string, logger *slog.Logger, recorder *metrics.Recorder) (*app, error) {
	addr, port, err := listenAddr(cfg, addrOverride)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureFolders(); err != nil {
		return nil, err
	}

	verifier, err := auth.NewPasswordVerifier(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("configure password: %w", err)
	}
	tokens := auth.NewTokenStore(verifier,
		auth.WithTTL(cfg.TokenTTL),
		auth.WithGrace(cfg.TokenGrace),
		auth.WithMetrics(recorder),
	)
	if cfg.SeedTokensFile != "" {
		imported, err := tokens.ImportFile(cfg.SeedTokensFile)
		if err != nil {
			logger.Warn("token seed file partially imported", "path", cfg.SeedTokensFile, "imported", imported, "error", err)
		} else {
			logger.Info("token seed file imported", "path", cfg.SeedTokensFile, "imported", imported)
		}
	}

	cache := catalog.NewCache(catalog.Config{
		Roots: map[string]string{
			catalog.Open:       cfg.ShareFolder,
			catalog.Restricted: cfg.SecretFolder,
		},
		TTL:     cfg.CatalogTTL,
		Logger:  logging.WithComponent(logger, "catalog"),
		Metrics: recorder,
	})

	resolver := connections.NewInterfaceResolver(cfg.InterfaceTTL, connections.SystemInterfaces)
	registry := connections.NewRegistry(connections.Config{
		MaxConnections: cfg.MaxConnections,
		EvictBatch:     cfg.EvictBatch,
		Timeout:        cfg.ConnectionTimeout,
		Resolver:       resolver,
		Logger:         logging.WithComponent(logger, "connections"),
		Metrics:        recorder,
	})

	engine := stream.NewEngine(stream.Config{
		ChunkSize:  cfg.ChunkSize,
		MaxStreams: cfg.MaxStreams,
		Logger:     logging.WithComponent(logger, "stream"),
		Metrics:    recorder,
	})

	a := &app{
		cfg:      cfg,
		port:     port,
		logger:   logger,
		tokens:   tokens,
		registry: registry,
		resolver: resolver,
	}

	handler := api.NewHandler(tokens, cache, registry, engine)
	handler.Interfaces = resolver
	handler.SearchTrigger = cfg.SearchTrigger
	handler.MonitorUsername = cfg.MonitorUsername
	handler.MonitorPassword = cfg.MonitorPassword
	handler.Port = port
	handler.Version = version
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder

	if cfg.ArchivePostgresDSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, archiveTimeout)
		sink, err := archive.NewPostgresSink(connectCtx, archive.PostgresConfig{
			DSN:             cfg.ArchivePostgresDSN,
			ApplicationName: "video-share",
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("open session archive: %w", err)
		}
		a.archiver = archive.New(archive.Config{
			Sink:   sink,
			Logger: logging.WithComponent(logger, "archive"),
		})
		registry.OnEvict(a.archiver.Observe)
		handler.Archive = a.archiver
	}

	if cfg.WatchCatalogs {
		watcher, err := catalog.NewWatcher(cache, logging.WithComponent(logger, "catalog-watcher"))
		if err != nil {
			logger.Warn("catalog watcher unavailable, relying on cache expiry", "error", err)
		} else {
			a.watcher = watcher
		}
	}

	srv, err := server.New(handler, server.Config{
		Addr: addr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.RateGlobalRPS,
			GlobalBurst:   cfg.RateGlobalBurst,
			VerifyLimit:   cfg.RateVerifyLimit,
			VerifyWindow:  cfg.RateVerifyWindow,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisTimeout:  cfg.RedisTimeout,
		},
		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
		CORS:                  server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		Logger:                logging.WithComponent(logger, "http"),
		Metrics:               recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise server: %w", err)
	}
	a.server = srv

	a.scheduler = maintenance.New(maintenance.Config{
		Connections: registry,
		Tokens:      tokens,
		Logger:      logging.WithComponent(logger, "maintenance"),
		Metrics:     recorder,
	})
	return a, nil
}

// run serves until ctx ends or a component fails, then stops everything.
func (a *app) run(ctx context.Context) error {
	var stopArchive func()
	if a.archiver != nil {
		stopArchive = a.archiver.Start(context.Background())
	}

	a.logStartup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serverutil.Run(gctx, serverutil.Config{
			Server:          a.server.HTTPServer(),
			ShutdownTimeout: shutdownTimeout,
			AppName:         api.AppName,
		})
	})
	g.Go(func() error {
		a.scheduler.Run(gctx)
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			if err := a.watcher.Run(gctx); err != nil {
				a.logger.Warn("catalog watcher stopped", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := a.server.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Warn("graceful shutdown failed", "error", shutdownErr)
	}
	if stopArchive != nil {
		stopArchive()
	}

	var inUse *serverutil.PortInUseError
	if errors.As(err, &inUse) && inUse.Instance != nil {
		a.logger.Error("another instance is already running", "addr", inUse.Addr, "pid", inUse.Instance.PID)
	}
	if err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}

func (a *app) logStartup() {
	a.logger.Info("video share listening",
		"addr", a.server.HTTPServer().Addr,
		"version", version,
		"share_folder", a.cfg.ShareFolder,
		"secret_folder", a.cfg.SecretFolder,
		"config_file", a.cfg.File,
		"monitor_auth", a.cfg.MonitorAuthEnabled(),
		"rate_limit_backend", rateLimitBackend(a.cfg),
		"archive", a.archiver != nil,
		"watch_catalogs", a.watcher != nil)
	for _, access := range a.resolver.AccessAddresses(a.port) {
		a.logger.Info("access address", "interface", access.Interface, "url", access.URL)
	}
	if a.cfg.Password == "secret" {
		a.logger.Warn("using the default password; set password in the config file")
	}
}

func rateLimitBackend(cfg config.Config) string {
	if cfg.RedisAddr != "" && cfg.RateVerifyLimit > 0 {
		return "redis"
	}
	return "memory"
}
