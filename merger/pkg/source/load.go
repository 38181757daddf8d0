package source

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
)

const DefaultMaxConcurrency = 4

// Load opens and decodes one ref.
func Load(ctx context.Context, src Source, dec *Decoder, ref Ref) (dimension.Batch, error) {
	rc, err := src.Open(ctx, ref)
	if err != nil {
		return dimension.Batch{}, err
	}
	defer rc.Close()

	batch, err := dec.Decode(ref, rc)
	if err != nil {
		return dimension.Batch{}, fmt.Errorf("failed to decode %s: %w", ref.ID, err)
	}
	return batch, nil
}

// LoadAll loads refs with at most maxConcurrency in flight and returns the
// batches ordered by timestamp, then id. The first error cancels the rest.
func LoadAll(ctx context.Context, src Source, dec *Decoder, refs []Ref, maxConcurrency int) ([]dimension.Batch, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	batches := make([]dimension.Batch, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			batch, err := Load(gctx, src, dec, ref)
			if err != nil {
				return err
			}
			batches[i] = batch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(batches, func(i, j int) bool {
		if !batches[i].Timestamp.Equal(batches[j].Timestamp) {
			return batches[i].Timestamp.Before(batches[j].Timestamp)
		}
		return batches[i].ID < batches[j].ID
	})
	return batches, nil
}
