package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/malbeclabs/dimlake/utils/pkg/retry"
)

const (
	DefaultDatabase    = "default"
	DefaultDialTimeout = 5 * time.Second
)

// ContextWithSyncInsert makes inserts visible to reads as soon as they return.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":                  0,
		"wait_for_async_insert":         1,
		"insert_deduplicate":            0,
		"select_sequential_consistency": 1,
	}))
}

// Client is the subset of the driver the history mirror uses.
type Client interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

type ClientConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	// Secure enables TLS, e.g. for ClickHouse Cloud on port 9440.
	Secure      bool
	DialTimeout time.Duration
	// Connect retries transient failures while the server comes up.
	Connect retry.Config
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Connect.MaxAttempts == 0 {
		cfg.Connect = retry.DefaultConfig()
	}
	cfg.Connect.Retryable = IsTransient
	return nil
}

// NewClient opens a ClickHouse connection and pings it, retrying transient
// failures.
func NewClient(ctx context.Context, log *slog.Logger, cfg ClientConfig) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}

	connectCfg := cfg.Connect
	connectCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("clickhouse: connect failed, retrying", "addr", cfg.Addr, "attempt", attempt, "backoff", backoff, "error", err)
	}
	var conn driver.Conn
	err := retry.Do(ctx, connectCfg, func() error {
		c, err := clickhouse.Open(options)
		if err != nil {
			return fmt.Errorf("failed to open connection: %w", err)
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("failed to ping: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse at %s: %w", cfg.Addr, err)
	}

	log.Info("clickhouse: client initialized", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)
	return conn, nil
}

// Server error codes worth retrying.
var transientCodes = map[int32]bool{
	159: true, // TIMEOUT_EXCEEDED
	202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
	209: true, // SOCKET_TIMEOUT
	210: true, // NETWORK_ERROR
	242: true, // TABLE_IS_READ_ONLY
	252: true, // TOO_MANY_PARTS
	319: true, // UNKNOWN_STATUS_OF_INSERT
}

// IsTransient reports whether a ClickHouse error is likely to clear on retry.
// Server exceptions are judged by code; everything else falls back to
// retry.IsRetryable.
func IsTransient(err error) bool {
	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		return transientCodes[exc.Code]
	}
	return retry.IsRetryable(err)
}
