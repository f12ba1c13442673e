package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSessionHistory = `CREATE TABLE IF NOT EXISTS session_history (
	id BIGSERIAL PRIMARY KEY,
	client_ip TEXT NOT NULL,
	client_port TEXT NOT NULL,
	server_ip TEXT NOT NULL,
	interface TEXT NOT NULL,
	video TEXT NOT NULL,
	position DOUBLE PRECISION NOT NULL,
	duration DOUBLE PRECISION NOT NULL,
	connected_at TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ NOT NULL,
	reason TEXT NOT NULL
)`

const insertSessionHistory = `INSERT INTO session_history
	(client_ip, client_port, server_ip, interface, video, position, duration, connected_at, last_seen, ended_at, reason)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// PostgresConfig describes the archive connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	AcquireTimeout  time.Duration
	ApplicationName string
}

// PostgresSink appends records to the session_history table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink opens a pool and creates the history table when missing.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createSessionHistory); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create session_history: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Write inserts records in one batch.
func (s *PostgresSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertSessionHistory,
			r.ClientIP, r.ClientPort, r.ServerIP, r.Interface, r.Video,
			r.Position, r.Duration, r.ConnectedAt, r.LastSeen, r.EndedAt, r.Reason)
	}
	results := s.pool.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert session_history: %w", err)
		}
	}
	return results.Close()
}

// Ping checks that the database is reachable.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx ends first.
func (s *PostgresSink) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Count reports the number of archived rows.
func (s *PostgresSink) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM session_history`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
