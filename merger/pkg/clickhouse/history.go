package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/metrics"
	"github.com/malbeclabs/dimlake/merger/pkg/scd2"
	"github.com/malbeclabs/dimlake/utils/pkg/retry"
)

var historyInternalCols = []string{"entity_id", "snapshot_ts", "ingested_at", "op_id", "is_deleted", "attrs_hash"}

// The table name is spliced into DDL and queries unquoted.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// historyTimePrecision matches the DateTime64(6) columns and the version
// stores' effective times.
const historyTimePrecision = dimension.TimePrecision

type HistoryMirrorConfig struct {
	Logger    *slog.Logger
	Client    Client
	Dimension *dimension.Dimension
	// Clock stamps ingested_at. Defaults to the real clock.
	Clock clockwork.Clock
	// Retry applies to transient ClickHouse errors during Publish.
	Retry retry.Config
}

func (cfg *HistoryMirrorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Dimension == nil {
		return errors.New("dimension is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Retryable = IsTransient
	return nil
}

// HistoryMirror appends applied batches to an append-only ClickHouse table,
// dim_<name>_history. Each inserted version becomes a row and each deletion
// a tombstone row with is_deleted = 1. The latest row per entity at or
// before a time is the entity's state at that time.
type HistoryMirror struct {
	log *slog.Logger
	cfg HistoryMirrorConfig

	keyCols  []dimension.Column
	attrCols []dimension.Column
}

// HistoryRow is the state of one entity read from the mirror.
type HistoryRow struct {
	EntityID   dimension.EntityID
	SnapshotTS time.Time
	OpID       uuid.UUID
	Key        dimension.NaturalKey
	Attrs      dimension.Attributes
}

func NewHistoryMirror(cfg HistoryMirrorConfig) (*HistoryMirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if name := cfg.Dimension.Name(); !identifierRe.MatchString(name) {
		return nil, fmt.Errorf("dimension name %q is not a valid table identifier", name)
	}
	keyCols := cfg.Dimension.KeyColumns()
	attrCols := cfg.Dimension.AttributeColumns()
	for _, col := range append(slices.Clone(keyCols), attrCols...) {
		if slices.Contains(historyInternalCols, col.Name) {
			return nil, fmt.Errorf("column %q collides with an internal history column", col.Name)
		}
	}
	return &HistoryMirror{
		log:      cfg.Logger,
		cfg:      cfg,
		keyCols:  keyCols,
		attrCols: attrCols,
	}, nil
}

func (m *HistoryMirror) TableName() string {
	return "dim_" + m.cfg.Dimension.Name() + "_history"
}

func (m *HistoryMirror) columns() []string {
	cols := slices.Clone(historyInternalCols)
	for _, col := range m.keyCols {
		cols = append(cols, quote(col.Name))
	}
	for _, col := range m.attrCols {
		cols = append(cols, quote(col.Name))
	}
	return cols
}

// EnsureTable creates the history table if it does not exist.
func (m *HistoryMirror) EnsureTable(ctx context.Context) error {
	defs := []string{
		"entity_id String",
		"snapshot_ts DateTime64(6, 'UTC')",
		"ingested_at DateTime64(6, 'UTC')",
		"op_id UUID",
		"is_deleted UInt8",
		"attrs_hash UInt64",
	}
	for _, col := range m.keyCols {
		defs = append(defs, fmt.Sprintf("%s %s", quote(col.Name), chType(col.Type)))
	}
	for _, col := range m.attrCols {
		defs = append(defs, fmt.Sprintf("%s Nullable(%s)", quote(col.Name), chType(col.Type)))
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s
		)
		ENGINE = MergeTree
		ORDER BY (entity_id, snapshot_ts, ingested_at, op_id)
	`, m.TableName(), strings.Join(defs, ",\n\t\t\t"))

	if err := m.cfg.Client.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.TableName(), err)
	}
	return nil
}

// Publish appends the rows of one applied batch. A batch whose op id is
// already in the table is skipped, so transient failures are retried in
// place without duplicating rows.
func (m *HistoryMirror) Publish(ctx context.Context, result *scd2.ApplyResult) error {
	name := m.cfg.Dimension.Name()
	if result == nil || result.AlreadyApplied {
		return nil
	}
	opID, err := uuid.Parse(result.OpID)
	if err != nil {
		return fmt.Errorf("invalid op id %q: %w", result.OpID, err)
	}

	var rows []dimension.Version
	rows = append(rows, result.Versions...)
	for _, v := range result.ClosedVersions {
		if v.IsDeleted {
			rows = append(rows, v)
		}
	}
	if len(rows) == 0 {
		metrics.MirrorPublishTotal.WithLabelValues(name, "empty").Inc()
		return nil
	}

	retryCfg := m.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		m.log.Warn("clickhouse: publish failed, retrying", "dimension", name, "op_id", opID, "attempt", attempt, "backoff", backoff, "error", err)
	}
	var skipped bool
	err = retry.Do(ctx, retryCfg, func() error {
		var err error
		skipped, err = m.insert(ContextWithSyncInsert(ctx), opID, result.BatchTimestamp, rows)
		return err
	})
	switch {
	case err != nil:
		metrics.MirrorPublishTotal.WithLabelValues(name, "error").Inc()
		return err
	case skipped:
		m.log.Info("clickhouse: op_id already published, skipping", "dimension", name, "op_id", opID)
		metrics.MirrorPublishTotal.WithLabelValues(name, "skipped").Inc()
	default:
		metrics.MirrorPublishTotal.WithLabelValues(name, "success").Inc()
		m.log.Debug("clickhouse: published batch", "dimension", name, "batch_id", result.BatchID, "op_id", opID, "rows", len(rows))
	}
	return nil
}

// insert writes rows under opID unless that op id is already present.
func (m *HistoryMirror) insert(ctx context.Context, opID uuid.UUID, batchTS time.Time, rows []dimension.Version) (bool, error) {
	published, err := m.opPublished(ctx, opID)
	if err != nil {
		return false, fmt.Errorf("failed to check op_id: %w", err)
	}
	if published {
		return true, nil
	}

	batch, err := m.cfg.Client.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", m.TableName(), strings.Join(m.columns(), ", ")))
	if err != nil {
		return false, fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	snapshotTS := batchTS.UTC().Truncate(historyTimePrecision)
	ingestedAt := m.cfg.Clock.Now().UTC().Truncate(historyTimePrecision)
	for _, v := range rows {
		values := []any{
			string(v.EntityID),
			snapshotTS,
			ingestedAt,
			opID,
			boolToUInt8(v.IsDeleted),
			m.cfg.Dimension.AttrsHash(v.Attrs),
		}
		for i, col := range m.keyCols {
			values = append(values, chValue(col.Type, v.Key.Values[i]))
		}
		for _, col := range m.attrCols {
			values = append(values, chValue(col.Type, v.Attrs[col.Name]))
		}
		if err := batch.Append(values...); err != nil {
			return false, fmt.Errorf("failed to append row for %s: %w", v.Key, err)
		}
	}
	if err := batch.Send(); err != nil {
		return false, fmt.Errorf("failed to send batch: %w", err)
	}
	return false, nil
}

func (m *HistoryMirror) opPublished(ctx context.Context, opID uuid.UUID) (bool, error) {
	rows, err := m.cfg.Client.Query(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE op_id = toUUID(?)", m.TableName()), opID.String())
	if err != nil {
		return false, err
	}
	defer rows.Close()
	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return false, err
		}
	}
	return count > 0, rows.Err()
}

// CurrentRows returns the latest non-deleted row of every entity.
func (m *HistoryMirror) CurrentRows(ctx context.Context) ([]HistoryRow, error) {
	return m.latestRows(ctx, time.Time{})
}

// AsOfRows returns the latest non-deleted row of every entity at or before
// asOf.
func (m *HistoryMirror) AsOfRows(ctx context.Context, asOf time.Time) ([]HistoryRow, error) {
	if asOf.IsZero() {
		return nil, errors.New("as of time is required")
	}
	return m.latestRows(ctx, asOf)
}

func (m *HistoryMirror) latestRows(ctx context.Context, asOf time.Time) ([]HistoryRow, error) {
	var (
		where string
		args  []any
	)
	if !asOf.IsZero() {
		where = "WHERE snapshot_ts <= ?"
		args = append(args, asOf.UTC())
	}
	selectCols := []string{"entity_id", "snapshot_ts", "op_id"}
	for _, col := range m.keyCols {
		selectCols = append(selectCols, quote(col.Name))
	}
	for _, col := range m.attrCols {
		selectCols = append(selectCols, quote(col.Name))
	}
	query := fmt.Sprintf(`
		WITH ranked AS (
			SELECT
				*,
				ROW_NUMBER() OVER (PARTITION BY entity_id ORDER BY snapshot_ts DESC, ingested_at DESC, op_id DESC) AS rn
			FROM %s
			%s
		)
		SELECT %s
		FROM ranked
		WHERE rn = 1 AND is_deleted = 0
		ORDER BY entity_id
	`, m.TableName(), where, strings.Join(selectCols, ", "))

	rows, err := m.cfg.Client.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.TableName(), err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			entityID   string
			snapshotTS time.Time
			opID       uuid.UUID
		)
		keyTargets := make([]any, len(m.keyCols))
		for i, col := range m.keyCols {
			keyTargets[i] = scanTarget(col.Type, false)
		}
		attrTargets := make([]any, len(m.attrCols))
		for i, col := range m.attrCols {
			attrTargets[i] = scanTarget(col.Type, true)
		}
		targets := append([]any{&entityID, &snapshotTS, &opID}, keyTargets...)
		targets = append(targets, attrTargets...)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		keyValues := make([]any, len(m.keyCols))
		for i := range m.keyCols {
			keyValues[i] = deref(keyTargets[i])
		}
		attrs := make(dimension.Attributes, len(m.attrCols))
		for i, col := range m.attrCols {
			attrs[col.Name] = deref(attrTargets[i])
		}
		out = append(out, HistoryRow{
			EntityID:   dimension.EntityID(entityID),
			SnapshotTS: snapshotTS.UTC(),
			OpID:       opID,
			Key:        dimension.NewNaturalKey(keyValues...),
			Attrs:      attrs,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func chType(t dimension.ColumnType) string {
	switch t {
	case dimension.TypeInteger, dimension.TypeBigint:
		return "Int64"
	case dimension.TypeDouble:
		return "Float64"
	case dimension.TypeBoolean:
		return "Bool"
	case dimension.TypeTimestamp:
		return "DateTime64(6, 'UTC')"
	}
	return "String"
}

// chValue converts a typed attribute to the value the driver appends. NULL
// stays nil.
func chValue(t dimension.ColumnType, v any) any {
	if v == nil {
		return nil
	}
	if t == dimension.TypeTimestamp {
		if ts, ok := v.(time.Time); ok {
			return ts.UTC()
		}
	}
	return v
}

func scanTarget(t dimension.ColumnType, nullable bool) any {
	switch t {
	case dimension.TypeInteger, dimension.TypeBigint:
		if nullable {
			return new(*int64)
		}
		return new(int64)
	case dimension.TypeDouble:
		if nullable {
			return new(*float64)
		}
		return new(float64)
	case dimension.TypeBoolean:
		if nullable {
			return new(*bool)
		}
		return new(bool)
	case dimension.TypeTimestamp:
		if nullable {
			return new(*time.Time)
		}
		return new(time.Time)
	}
	if nullable {
		return new(*string)
	}
	return new(string)
}

func deref(target any) any {
	switch p := target.(type) {
	case *string:
		return *p
	case *int64:
		return *p
	case *float64:
		return *p
	case *bool:
		return *p
	case *time.Time:
		return p.UTC()
	case **string:
		if *p == nil {
			return nil
		}
		return **p
	case **int64:
		if *p == nil {
			return nil
		}
		return **p
	case **float64:
		if *p == nil {
			return nil
		}
		return **p
	case **bool:
		if *p == nil {
			return nil
		}
		return **p
	case **time.Time:
		if *p == nil {
			return nil
		}
		return (*p).UTC()
	}
	return nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
