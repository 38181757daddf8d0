package source

import (
	"context"
	"io"
	"path"
	"regexp"
	"sort"
	"time"
)

// Ref identifies one batch file in a source.
type Ref struct {
	// ID is the object name relative to the source root. It doubles as the
	// batch id used for dedupe.
	ID string
	// Timestamp is parsed from the object name; zero when the name carries
	// none and the decoder must derive it from the rows.
	Timestamp time.Time
}

// Source provides access to CDC batch files.
// Implementations exist for a local directory and for S3.
type Source interface {
	// List returns every batch file, ordered by timestamp then id.
	List(ctx context.Context) ([]Ref, error)

	// Open returns the content of one batch file.
	Open(ctx context.Context, ref Ref) (io.ReadCloser, error)
}

const nameTimestampLayout = "20060102T150405Z"

var nameTimestampRe = regexp.MustCompile(`\d{8}T\d{6}Z`)

// TimestampFromName extracts a YYYYMMDDTHHMMSSZ token from the base name of
// an object, e.g. customers_20240102T000000Z.csv.
func TimestampFromName(name string) (time.Time, bool) {
	token := nameTimestampRe.FindString(path.Base(name))
	if token == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(nameTimestampLayout, token)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func newRef(id string) Ref {
	ts, _ := TimestampFromName(id)
	return Ref{ID: id, Timestamp: ts}
}

// sortRefs orders refs by timestamp, then id. Refs without a timestamp sort by
// id after the timestamped ones.
func sortRefs(refs []Ref) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Timestamp.IsZero() != b.Timestamp.IsZero() {
			return !a.Timestamp.IsZero()
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}
