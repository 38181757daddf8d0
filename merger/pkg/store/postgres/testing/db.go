package postgrestesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store/postgres"
	"github.com/malbeclabs/dimlake/utils/pkg/retry"
)

const defaultImage = "postgres:16-alpine"

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
		cfg.Username = "dimlake"
	}
	if cfg.Password == "" {
		cfg.Password = "dimlake"
	}
}

// DB is a migrated Postgres container shared by a package's tests.
type DB struct {
	log       *slog.Logger
	connStr   string
	container *tcpostgres.PostgresContainer
}

func (db *DB) ConnStr() string {
	return db.connStr
}

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("postgrestesting: failed to terminate container", "error", err)
	}
}

// NewDB starts a Postgres container and applies the version store migrations.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	cfg.withDefaults()

	var container *tcpostgres.PostgresContainer
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 750 * time.Millisecond,
		MaxBackoff:  3 * time.Second,
		Retryable:   containerStartRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Warn("postgrestesting: container start failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}, func() error {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.Image,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	if err := postgres.Migrate(ctx, log, connStr); err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &DB{log: log, connStr: connStr, container: container}, nil
}

func NewTestPool(t *testing.T, db *DB) *pgxpool.Pool {
	pool, err := postgres.NewPool(t.Context(), db.connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// NewTestStore opens a store for dim on its own pool. Dimensions are keyed by
// name, so tests sharing a DB stay isolated as long as names differ.
func NewTestStore(t *testing.T, db *DB, dim *dimension.Dimension) *postgres.Store {
	s, err := postgres.New(postgres.Config{
		Logger:    db.log,
		Pool:      NewTestPool(t, db),
		Dimension: dim,
	})
	require.NoError(t, err)
	return s
}

// containerStartRetryable matches the docker and wait-strategy failures seen
// when many packages start containers at once.
func containerStartRetryable(err error) bool {
	s := err.Error()
	for _, m := range []string{"wait until ready", "mapped port", "timeout", "context deadline exceeded", "docker.sock"} {
		if strings.Contains(s, m) {
			return true
		}
	}
	return strings.Contains(s, "/containers/") && strings.Contains(s, "json")
}
