package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type Config struct {
	Logger    *slog.Logger
	Pool      *pgxpool.Pool
	Dimension *dimension.Dimension
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Dimension == nil {
		return errors.New("dimension is required")
	}
	return nil
}

// Store keeps the versions of one dimension in the shared
// dimension_versions table.
type Store struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// NewPool creates a connection pool and checks connectivity.
func NewPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable("ping postgres", err)
	}
	return pool, nil
}

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// Migrate runs the embedded goose migrations.
func Migrate(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("postgres: running migrations")

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetLogger(store.GooseLogger(log))
	goose.SetBaseFS(EmbedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("postgres: migrations completed")
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = pgTx.Rollback(context.WithoutCancel(ctx))
	}()

	// Serializes writers of the same dimension.
	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.cfg.Dimension.Name()); err != nil {
		return mapErr("acquire dimension lock", err)
	}

	if err := fn(&tx{dim: s.cfg.Dimension, tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return mapErr("commit transaction", err)
	}
	return nil
}

type tx struct {
	dim *dimension.Dimension
	tx  pgx.Tx
}

const versionColumns = `surrogate_key, entity_id, natural_key, attributes, effective_start, effective_end, is_current, is_deleted, batch_id`

func (t *tx) LookupCurrent(ctx context.Context, id dimension.EntityID) (*dimension.Version, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionColumns+` FROM dimension_versions WHERE dimension = $1 AND entity_id = $2 AND is_current`,
		t.dim.Name(), string(id))
	if err != nil {
		return nil, mapErr("lookup current version", err)
	}
	versions, err := t.collect(rows)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return &versions[0], nil
}

func (t *tx) LookupAllCurrent(ctx context.Context) ([]dimension.Version, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionColumns+` FROM dimension_versions WHERE dimension = $1 AND is_current ORDER BY surrogate_key`,
		t.dim.Name())
	if err != nil {
		return nil, mapErr("lookup current versions", err)
	}
	return t.collect(rows)
}

func (t *tx) LookupHistory(ctx context.Context, id dimension.EntityID) ([]dimension.Version, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionColumns+` FROM dimension_versions WHERE dimension = $1 AND entity_id = $2 ORDER BY effective_start, surrogate_key`,
		t.dim.Name(), string(id))
	if err != nil {
		return nil, mapErr("lookup history", err)
	}
	return t.collect(rows)
}

func (t *tx) InsertBatch(ctx context.Context, versions []dimension.Version) ([]dimension.SurrogateKey, error) {
	if len(versions) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, v := range versions {
		key, err := t.dim.EncodeKey(v.Key)
		if err != nil {
			return nil, err
		}
		attrs, err := t.dim.EncodeAttributes(v.Attrs)
		if err != nil {
			return nil, err
		}
		batch.Queue(`
			INSERT INTO dimension_versions
				(dimension, entity_id, natural_key, attributes, attrs_hash, effective_start, effective_end, is_current, is_deleted, batch_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING surrogate_key`,
			t.dim.Name(), string(v.EntityID), key, attrs, int64(t.dim.AttrsHash(v.Attrs)),
			v.EffectiveStart.UTC(), endParam(v.EffectiveEnd), v.IsCurrent, v.IsDeleted, v.BatchID)
	}

	br := t.tx.SendBatch(ctx, batch)
	keys := make([]dimension.SurrogateKey, 0, len(versions))
	for range versions {
		var key int64
		if err := br.QueryRow().Scan(&key); err != nil {
			_ = br.Close()
			return nil, mapErr("insert version", err)
		}
		keys = append(keys, dimension.SurrogateKey(key))
	}
	if err := br.Close(); err != nil {
		return nil, mapErr("insert versions", err)
	}
	return keys, nil
}

func (t *tx) UpdateBatch(ctx context.Context, updates []store.VersionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE dimension_versions
			SET effective_end = $3, is_current = $4, is_deleted = $5
			WHERE dimension = $1 AND surrogate_key = $2 AND is_current`,
			t.dim.Name(), int64(u.SurrogateKey), endParam(u.EffectiveEnd), u.IsCurrent, u.IsDeleted)
	}

	br := t.tx.SendBatch(ctx, batch)
	for _, u := range updates {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return mapErr("update version", err)
		}
		if tag.RowsAffected() != 1 {
			_ = br.Close()
			return store.ConstraintViolation("update version",
				fmt.Errorf("surrogate key %d is not a current version", u.SurrogateKey))
		}
	}
	if err := br.Close(); err != nil {
		return mapErr("update versions", err)
	}
	return nil
}

func (t *tx) CountCurrent(ctx context.Context, ids []dimension.EntityID) (map[dimension.EntityID]int, error) {
	counts := make(map[dimension.EntityID]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	args := make([]string, len(ids))
	for i, id := range ids {
		args[i] = string(id)
		counts[id] = 0
	}
	rows, err := t.tx.Query(ctx, `
		SELECT entity_id, count(*)
		FROM dimension_versions
		WHERE dimension = $1 AND entity_id = ANY($2) AND is_current
		GROUP BY entity_id`,
		t.dim.Name(), args)
	if err != nil {
		return nil, mapErr("count current versions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan current count: %w", err)
		}
		counts[dimension.EntityID(id)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("count current versions", err)
	}
	return counts, nil
}

func (t *tx) LastBatch(ctx context.Context) (*store.BatchRecord, error) {
	var rec store.BatchRecord
	err := t.tx.QueryRow(ctx, `
		SELECT batch_id, op_id::text, batch_ts, new_count, changed_count, unchanged_count, deleted_count, applied_at
		FROM dimension_batches
		WHERE dimension = $1
		ORDER BY batch_ts DESC, applied_at DESC
		LIMIT 1`,
		t.dim.Name()).Scan(&rec.BatchID, &rec.OpID, &rec.BatchTimestamp, &rec.New, &rec.Changed, &rec.Unchanged, &rec.Deleted, &rec.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("lookup last batch", err)
	}
	rec.BatchTimestamp = rec.BatchTimestamp.UTC()
	rec.AppliedAt = rec.AppliedAt.UTC()
	return &rec, nil
}

func (t *tx) BatchApplied(ctx context.Context, batchID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dimension_batches WHERE dimension = $1 AND batch_id = $2)`,
		t.dim.Name(), batchID).Scan(&exists)
	if err != nil {
		return false, mapErr("lookup batch", err)
	}
	return exists, nil
}

func (t *tx) LookupBatch(ctx context.Context, batchID string) (*store.BatchRecord, error) {
	var rec store.BatchRecord
	err := t.tx.QueryRow(ctx, `
		SELECT batch_id, op_id::text, batch_ts, new_count, changed_count, unchanged_count, deleted_count, applied_at
		FROM dimension_batches
		WHERE dimension = $1 AND batch_id = $2`,
		t.dim.Name(), batchID).Scan(&rec.BatchID, &rec.OpID, &rec.BatchTimestamp, &rec.New, &rec.Changed, &rec.Unchanged, &rec.Deleted, &rec.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("lookup batch", err)
	}
	rec.BatchTimestamp = rec.BatchTimestamp.UTC()
	rec.AppliedAt = rec.AppliedAt.UTC()
	return &rec, nil
}

func (t *tx) RecordBatch(ctx context.Context, rec store.BatchRecord) error {
	if rec.BatchID == "" {
		return errors.New("batch id is required")
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO dimension_batches
			(dimension, batch_id, op_id, batch_ts, new_count, changed_count, unchanged_count, deleted_count, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.dim.Name(), rec.BatchID, rec.OpID, rec.BatchTimestamp.UTC(),
		rec.New, rec.Changed, rec.Unchanged, rec.Deleted, rec.AppliedAt.UTC())
	if err != nil {
		return mapErr("record batch", err)
	}
	return nil
}

func (t *tx) collect(rows pgx.Rows) ([]dimension.Version, error) {
	defer rows.Close()
	var out []dimension.Version
	for rows.Next() {
		var (
			batchID, id    string
			surrogate      int64
			rawKey, rawAtt []byte
			start          time.Time
			end            *time.Time
			v              dimension.Version
		)
		if err := rows.Scan(&surrogate, &id, &rawKey, &rawAtt, &start, &end, &v.IsCurrent, &v.IsDeleted, &batchID); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		nk, err := t.dim.DecodeKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode version %d: %w", surrogate, err)
		}
		attrs, err := t.dim.DecodeAttributes(rawAtt)
		if err != nil {
			return nil, fmt.Errorf("failed to decode version %d: %w", surrogate, err)
		}
		v.SurrogateKey = dimension.SurrogateKey(surrogate)
		v.EntityID = dimension.EntityID(id)
		v.Key = nk
		v.Attrs = attrs
		v.EffectiveStart = start.UTC()
		v.EffectiveEnd = dimension.Infinity
		if end != nil {
			v.EffectiveEnd = end.UTC()
		}
		v.BatchID = batchID
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("read versions", err)
	}
	return out, nil
}

func endParam(end time.Time) any {
	if dimension.IsInfinity(end) {
		return nil
	}
	return end.UTC()
}

// mapErr classifies a driver error. Server errors keep their identity except
// for integrity violations; everything that never reached the server is
// treated as the store being unavailable.
func mapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return store.ConstraintViolation(op, err)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "53300": // too_many_connections
			return store.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return store.Unavailable(op, err)
}
