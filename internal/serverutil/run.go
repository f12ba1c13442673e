package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
	Ready           chan<- struct{}
	// AppName identifies a previous instance of this server when the port is
	// already taken. Empty disables the probe.
	AppName string
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

const probeTimeout = 2 * time.Second

// Identity is the payload served on /health-check.
type Identity struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Status  string `json:"status"`
	PID     int    `json:"pid"`
}

// PortInUseError reports a listen failure on an occupied port. Instance is
// set when the occupant answered the health check as the same application.
type PortInUseError struct {
	Addr     string
	Instance *Identity
	Err      error
}

func (e *PortInUseError) Error() string {
	if e.Instance != nil {
		return fmt.Sprintf("%s is already served by %s %s (pid %d)", e.Addr, e.Instance.App, e.Instance.Version, e.Instance.PID)
	}
	return fmt.Sprintf("%s is in use by another program: %v", e.Addr, e.Err)
}

func (e *PortInUseError) Unwrap() error { return e.Err }

// Run starts the provided HTTP server and blocks until it stops. When the
// context is cancelled, Run attempts a graceful shutdown bounded by
// ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		if cfg.AppName != "" && errors.Is(err, syscall.EADDRINUSE) {
			return portInUse(ctx, cfg.Server.Addr, cfg.AppName, err)
		}
		return err
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}

func portInUse(ctx context.Context, addr, app string, cause error) error {
	result := &PortInUseError{Addr: addr, Err: cause}
	identity, err := ProbeInstance(ctx, addr)
	if err == nil && identity.App == app {
		result.Instance = &identity
	}
	return result
}

// ProbeInstance asks whatever listens on addr for its /health-check identity.
// Wildcard and empty hosts are probed on loopback.
func ProbeInstance(ctx context.Context, addr string) (Identity, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Identity{}, fmt.Errorf("parse address: %w", err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	url := "http://" + net.JoinHostPort(host, port) + "/health-check"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("health check returned %s", resp.Status)
	}
	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return Identity{}, fmt.Errorf("decode health check: %w", err)
	}
	return identity, nil
}
