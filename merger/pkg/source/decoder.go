package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
)

const (
	DefaultTimestampColumn = "change_ts"
	DefaultOpColumn        = "op"
)

type DecoderConfig struct {
	Dimension *dimension.Dimension
	// TimestampColumn holds the per-row change time. It supplies the batch
	// timestamp when the object name has none, and orders rows for
	// LatestPerKey. Defaults to change_ts.
	TimestampColumn string
	// OpColumn holds I, U or D. Rows without it are upserts. Defaults to op.
	OpColumn string
	// FullSnapshot marks every decoded batch as a full snapshot.
	FullSnapshot bool
	// LatestPerKey keeps only the latest row of each natural key. Without it
	// a repeated key fails the batch.
	LatestPerKey bool
}

func (cfg *DecoderConfig) Validate() error {
	if cfg.Dimension == nil {
		return errors.New("dimension is required")
	}
	if cfg.TimestampColumn == "" {
		cfg.TimestampColumn = DefaultTimestampColumn
	}
	if cfg.OpColumn == "" {
		cfg.OpColumn = DefaultOpColumn
	}
	return nil
}

// Decoder turns a CSV batch file into a dimension batch. The first row is the
// header; columns are matched by name and unknown columns are ignored.
type Decoder struct {
	cfg DecoderConfig
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{cfg: cfg}, nil
}

type decodedRow struct {
	line     int
	raw      map[string]string
	op       dimension.Op
	changeTS time.Time
}

func (d *Decoder) Decode(ref Ref, r io.Reader) (dimension.Batch, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return dimension.Batch{}, fmt.Errorf("%w: %s: missing header row", dimension.ErrSchema, ref.ID)
	}
	if err != nil {
		return dimension.Batch{}, fmt.Errorf("failed to read header of %s: %w", ref.ID, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var (
		rows    []decodedRow
		maxTS   time.Time
		hasTS   = slices.Contains(header, d.cfg.TimestampColumn)
		hasOp   = slices.Contains(header, d.cfg.OpColumn)
		lineNum = 1
	)
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			return dimension.Batch{}, fmt.Errorf("%w: %s: %v", dimension.ErrSchema, ref.ID, err)
		}
		row := decodedRow{line: lineNum, raw: make(map[string]string, len(header)), op: dimension.OpUpsert}
		for i, col := range header {
			row.raw[col] = fields[i]
		}
		if hasOp {
			row.op, err = parseOp(row.raw[d.cfg.OpColumn])
			if err != nil {
				return dimension.Batch{}, fmt.Errorf("%w: %s line %d: %v", dimension.ErrSchema, ref.ID, lineNum, err)
			}
		}
		if hasTS {
			if s := strings.TrimSpace(row.raw[d.cfg.TimestampColumn]); s != "" {
				row.changeTS, err = dimension.ParseTimestamp(s)
				if err != nil {
					return dimension.Batch{}, fmt.Errorf("%w: %s line %d: %v", dimension.ErrSchema, ref.ID, lineNum, err)
				}
				if row.changeTS.After(maxTS) {
					maxTS = row.changeTS
				}
			}
		}
		rows = append(rows, row)
	}

	batchTS := ref.Timestamp
	if batchTS.IsZero() {
		batchTS = maxTS
	}
	if batchTS.IsZero() {
		return dimension.Batch{}, fmt.Errorf("%w: %s: no timestamp in object name or %s column", dimension.ErrSchema, ref.ID, d.cfg.TimestampColumn)
	}
	batchTS = batchTS.UTC()

	batch := dimension.Batch{
		ID:           ref.ID,
		Timestamp:    batchTS,
		FullSnapshot: d.cfg.FullSnapshot,
		Records:      make([]dimension.CDCRecord, 0, len(rows)),
	}
	index := make(map[dimension.EntityID]int, len(rows))
	kept := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		rec, err := d.cfg.Dimension.ParseCDCRecord(row.raw, batchTS)
		if err != nil {
			return dimension.Batch{}, fmt.Errorf("%s line %d: %w", ref.ID, row.line, err)
		}
		rec.Op = row.op

		if !d.cfg.LatestPerKey {
			batch.Records = append(batch.Records, rec)
			continue
		}
		id := rec.Key.EntityID()
		if i, ok := index[id]; ok {
			// Later rows win ties.
			if !row.changeTS.Before(kept[i]) {
				batch.Records[i] = rec
				kept[i] = row.changeTS
			}
			continue
		}
		index[id] = len(batch.Records)
		kept = append(kept, row.changeTS)
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

func parseOp(s string) (dimension.Op, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "I", "U", "INSERT", "UPDATE", "UPSERT":
		return dimension.OpUpsert, nil
	case "D", "DELETE":
		return dimension.OpDelete, nil
	}
	return "", fmt.Errorf("unknown op %q", s)
}

