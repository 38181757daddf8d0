package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/dimlake/merger/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/utils/pkg/retry"
)

const (
	defaultImage = "clickhouse/clickhouse-server:latest"
	nativePort   = nat.Port("9000/tcp")
)

type DBConfig struct {
	Image    string
	Database string
	Username string
	Password string
}

func (cfg *DBConfig) withDefaults() {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.Database == "" {
		cfg.Database = "dimlake"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "dimlake"
	}
}

// DB is a ClickHouse container shared by the tests of a package. Each test
// gets its own database on it.
type DB struct {
	log       *slog.Logger
	cfg       DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr is the native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

func (db *DB) clientConfig(database string) clickhouse.ClientConfig {
	return clickhouse.ClientConfig{
		Addr:     db.addr,
		Database: database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
		Connect:  retry.Config{MaxAttempts: 5, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 2 * time.Second},
	}
}

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("clickhousetesting: failed to terminate container", "error", err)
	}
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	cfg.withDefaults()

	var container *tcch.ClickHouseContainer
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 750 * time.Millisecond,
		MaxBackoff:  3 * time.Second,
		Retryable:   containerStartRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Warn("clickhousetesting: container start failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}, func() error {
		var err error
		container, err = tcch.Run(ctx,
			cfg.Image,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start clickhouse container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get clickhouse container host: %w", err)
	}
	port, err := container.MappedPort(ctx, nativePort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get clickhouse container port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       *cfg,
		addr:      fmt.Sprintf("%s:%s", host, port.Port()),
		container: container,
	}, nil
}

// NewTestClient returns a client bound to a fresh database that is dropped
// when the test ends.
func NewTestClient(t *testing.T, db *DB) clickhouse.Client {
	admin, err := clickhouse.NewClient(t.Context(), db.log, db.clientConfig(db.cfg.Database))
	require.NoError(t, err)

	database := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	require.NoError(t, admin.Exec(t.Context(), "CREATE DATABASE IF NOT EXISTS "+database))

	client, err := clickhouse.NewClient(t.Context(), db.log, db.clientConfig(database))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+database); err != nil {
			t.Logf("failed to drop database %s: %v", database, err)
		}
		_ = client.Close()
		_ = admin.Close()
	})
	return client
}

// NewTestMirror creates a history mirror for dim on a fresh test database and
// creates its table.
func NewTestMirror(t *testing.T, db *DB, dim *dimension.Dimension, clock clockwork.Clock) (*clickhouse.HistoryMirror, clickhouse.Client) {
	client := NewTestClient(t, db)
	mirror, err := clickhouse.NewHistoryMirror(clickhouse.HistoryMirrorConfig{
		Logger:    db.log,
		Client:    client,
		Dimension: dim,
		Clock:     clock,
	})
	require.NoError(t, err)
	require.NoError(t, mirror.EnsureTable(t.Context()))
	return mirror, client
}

func containerStartRetryable(err error) bool {
	s := err.Error()
	for _, m := range []string{"wait until ready", "mapped port", "timeout", "docker.sock"} {
		if strings.Contains(s, m) {
			return true
		}
	}
	return strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
