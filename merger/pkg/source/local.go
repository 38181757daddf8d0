package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type LocalSourceConfig struct {
	Dir string
	// Pattern is matched against file names in Dir. Defaults to *.csv.
	Pattern string
}

func (cfg *LocalSourceConfig) Validate() error {
	if cfg.Dir == "" {
		return errors.New("dir is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.csv"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", cfg.Pattern, err)
	}
	return nil
}

// LocalSource reads batch files from a directory.
type LocalSource struct {
	cfg LocalSourceConfig
}

func NewLocalSource(cfg LocalSourceConfig) (*LocalSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LocalSource{cfg: cfg}, nil
}

func (s *LocalSource) List(ctx context.Context) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.cfg.Dir); err != nil {
		return nil, fmt.Errorf("failed to read dir %s: %w", s.cfg.Dir, err)
	}
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, s.cfg.Pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.cfg.Dir, err)
	}
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", m, err)
		}
		if info.IsDir() {
			continue
		}
		refs = append(refs, newRef(filepath.Base(m)))
	}
	sortRefs(refs)
	return refs, nil
}

func (s *LocalSource) Open(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.cfg.Dir, filepath.Base(ref.ID)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ref.ID, err)
	}
	return f, nil
}
