package sqlite

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

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/store"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type Config struct {
	Logger    *slog.Logger
	DB        *sql.DB
	Dimension *dimension.Dimension
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Dimension == nil {
		return errors.New("dimension is required")
	}
	return nil
}

// Store keeps the versions of one dimension in a SQLite database file.
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

// Open opens the database at path with WAL journaling. SQLite allows one
// writer at a time, so the pool is capped at a single connection.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// Migrate runs the embedded goose migrations.
func Migrate(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	log.Debug("sqlite: running migrations")

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetLogger(store.GooseLogger(log))
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&tx{dim: s.cfg.Dimension, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapErr("commit transaction", err)
	}
	return nil
}

type tx struct {
	dim *dimension.Dimension
	tx  *sql.Tx
}

const versionColumns = `surrogate_key, entity_id, natural_key, attributes, effective_start, effective_end, is_current, is_deleted, batch_id`

func (t *tx) LookupCurrent(ctx context.Context, id dimension.EntityID) (*dimension.Version, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM dimension_versions WHERE dimension = ? AND entity_id = ? AND is_current = 1`,
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
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM dimension_versions WHERE dimension = ? AND is_current = 1 ORDER BY surrogate_key`,
		t.dim.Name())
	if err != nil {
		return nil, mapErr("lookup current versions", err)
	}
	return t.collect(rows)
}

func (t *tx) LookupHistory(ctx context.Context, id dimension.EntityID) ([]dimension.Version, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM dimension_versions WHERE dimension = ? AND entity_id = ? ORDER BY effective_start, surrogate_key`,
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
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO dimension_versions
			(dimension, entity_id, natural_key, attributes, attrs_hash, effective_start, effective_end, is_current, is_deleted, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, mapErr("prepare insert", err)
	}
	defer stmt.Close()

	keys := make([]dimension.SurrogateKey, 0, len(versions))
	for _, v := range versions {
		key, err := t.dim.EncodeKey(v.Key)
		if err != nil {
			return nil, err
		}
		attrs, err := t.dim.EncodeAttributes(v.Attrs)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx,
			t.dim.Name(), string(v.EntityID), string(key), string(attrs), int64(t.dim.AttrsHash(v.Attrs)),
			v.EffectiveStart.UnixNano(), endParam(v.EffectiveEnd), v.IsCurrent, v.IsDeleted, v.BatchID)
		if err != nil {
			return nil, mapErr("insert version", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, mapErr("insert version", err)
		}
		keys = append(keys, dimension.SurrogateKey(id))
	}
	return keys, nil
}

func (t *tx) UpdateBatch(ctx context.Context, updates []store.VersionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		UPDATE dimension_versions
		SET effective_end = ?, is_current = ?, is_deleted = ?
		WHERE dimension = ? AND surrogate_key = ? AND is_current = 1`)
	if err != nil {
		return mapErr("prepare update", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, endParam(u.EffectiveEnd), u.IsCurrent, u.IsDeleted, t.dim.Name(), int64(u.SurrogateKey))
		if err != nil {
			return mapErr("update version", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapErr("update version", err)
		}
		if n != 1 {
			return store.ConstraintViolation("update version",
				fmt.Errorf("surrogate key %d is not a current version", u.SurrogateKey))
		}
	}
	return nil
}

func (t *tx) CountCurrent(ctx context.Context, ids []dimension.EntityID) (map[dimension.EntityID]int, error) {
	counts := make(map[dimension.EntityID]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, t.dim.Name())
	for _, id := range ids {
		args = append(args, string(id))
		counts[id] = 0
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := t.tx.QueryContext(ctx, `
		SELECT entity_id, count(*)
		FROM dimension_versions
		WHERE dimension = ? AND entity_id IN (`+placeholders+`) AND is_current = 1
		GROUP BY entity_id`, args...)
	if err != nil {
		return nil, mapErr("count current versions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan current count: %w", err)
		}
		counts[dimension.EntityID(id)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("count current versions", err)
	}
	return counts, nil
}

func (t *tx) LastBatch(ctx context.Context) (*store.BatchRecord, error) {
	var rec store.BatchRecord
	var batchTS, appliedAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT batch_id, op_id, batch_ts, new_count, changed_count, unchanged_count, deleted_count, applied_at
		FROM dimension_batches
		WHERE dimension = ?
		ORDER BY batch_ts DESC, applied_at DESC
		LIMIT 1`,
		t.dim.Name()).Scan(&rec.BatchID, &rec.OpID, &batchTS, &rec.New, &rec.Changed, &rec.Unchanged, &rec.Deleted, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("lookup last batch", err)
	}
	rec.BatchTimestamp = time.Unix(0, batchTS).UTC()
	rec.AppliedAt = time.Unix(0, appliedAt).UTC()
	return &rec, nil
}

func (t *tx) BatchApplied(ctx context.Context, batchID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dimension_batches WHERE dimension = ? AND batch_id = ?)`,
		t.dim.Name(), batchID).Scan(&exists)
	if err != nil {
		return false, mapErr("lookup batch", err)
	}
	return exists, nil
}

func (t *tx) LookupBatch(ctx context.Context, batchID string) (*store.BatchRecord, error) {
	var rec store.BatchRecord
	var batchTS, appliedAt int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT batch_id, op_id, batch_ts, new_count, changed_count, unchanged_count, deleted_count, applied_at
		FROM dimension_batches
		WHERE dimension = ? AND batch_id = ?`,
		t.dim.Name(), batchID).Scan(&rec.BatchID, &rec.OpID, &batchTS, &rec.New, &rec.Changed, &rec.Unchanged, &rec.Deleted, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("lookup batch", err)
	}
	rec.BatchTimestamp = time.Unix(0, batchTS).UTC()
	rec.AppliedAt = time.Unix(0, appliedAt).UTC()
	return &rec, nil
}

func (t *tx) RecordBatch(ctx context.Context, rec store.BatchRecord) error {
	if rec.BatchID == "" {
		return errors.New("batch id is required")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dimension_batches
			(dimension, batch_id, op_id, batch_ts, new_count, changed_count, unchanged_count, deleted_count, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.dim.Name(), rec.BatchID, rec.OpID, rec.BatchTimestamp.UnixNano(),
		rec.New, rec.Changed, rec.Unchanged, rec.Deleted, rec.AppliedAt.UnixNano())
	if err != nil {
		return mapErr("record batch", err)
	}
	return nil
}

func (t *tx) collect(rows *sql.Rows) ([]dimension.Version, error) {
	defer rows.Close()
	var out []dimension.Version
	for rows.Next() {
		var (
			surrogate       int64
			id, batchID     string
			rawKey, rawAttr string
			start           int64
			end             sql.NullInt64
			v               dimension.Version
		)
		if err := rows.Scan(&surrogate, &id, &rawKey, &rawAttr, &start, &end, &v.IsCurrent, &v.IsDeleted, &batchID); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		nk, err := t.dim.DecodeKey([]byte(rawKey))
		if err != nil {
			return nil, fmt.Errorf("failed to decode version %d: %w", surrogate, err)
		}
		attrs, err := t.dim.DecodeAttributes([]byte(rawAttr))
		if err != nil {
			return nil, fmt.Errorf("failed to decode version %d: %w", surrogate, err)
		}
		v.SurrogateKey = dimension.SurrogateKey(surrogate)
		v.EntityID = dimension.EntityID(id)
		v.Key = nk
		v.Attrs = attrs
		v.EffectiveStart = time.Unix(0, start).UTC()
		v.EffectiveEnd = dimension.Infinity
		if end.Valid {
			v.EffectiveEnd = time.Unix(0, end.Int64).UTC()
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
	return end.UnixNano()
}

func mapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return store.ConstraintViolation(op, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return store.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return store.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
