package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/metrics"
	"github.com/malbeclabs/dimlake/merger/pkg/scd2"
	"github.com/malbeclabs/dimlake/merger/pkg/source"
	"github.com/malbeclabs/dimlake/utils/pkg/retry"
)

// Mirror receives every applied batch after it commits.
type Mirror interface {
	Publish(ctx context.Context, result *scd2.ApplyResult) error
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Source  source.Source
	Decoder *source.Decoder
	Merger  *scd2.Merger
	Mirror  Mirror // optional

	PollInterval   time.Duration
	MaxConcurrency int
	// Retry applies to ErrStoreUnavailable only. Every other error stops the
	// refresh at the failing batch.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Decoder == nil {
		return errors.New("decoder is required")
	}
	if cfg.Merger == nil {
		return errors.New("merger is required")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = source.DefaultMaxConcurrency
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Retryable = func(err error) bool {
		return errors.Is(err, scd2.ErrStoreUnavailable)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Summary describes one refresh.
type Summary struct {
	Listed  int
	Pending int
	Applied int
	// Skipped counts batches that were already applied when their turn came,
	// e.g. two files sharing an id.
	Skipped int
	// Stale counts batches older than the watermark. They can never apply and
	// are left in the source.
	Stale int
}

// Runner polls a source and applies new batches to one dimension in order.
type Runner struct {
	log       *slog.Logger
	cfg       Config
	refreshMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Ready reports whether a refresh has completed without error.
func (r *Runner) Ready() bool {
	select {
	case <-r.readyCh:
		return true
	default:
		return false
	}
}

func (r *Runner) WaitReady(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for runner: %w", ctx.Err())
	}
}

// Start refreshes immediately and then on every poll interval until ctx is
// done.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		r.log.Info("runner: starting refresh loop", "dimension", r.dimension(), "interval", r.cfg.PollInterval)

		r.safeRefresh(ctx)

		ticker := r.cfg.Clock.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.safeRefresh(ctx)
			}
		}
	}()
}

func (r *Runner) safeRefresh(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("runner: refresh panicked", "dimension", r.dimension(), "panic", rec)
			metrics.RunnerRefreshTotal.WithLabelValues(r.dimension(), "panic").Inc()
		}
	}()

	if _, err := r.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("runner: refresh failed", "dimension", r.dimension(), "error", err)
	}
}

// Refresh lists the source, loads every batch not yet applied and applies
// them in timestamp order. It stops at the first batch that fails.
func (r *Runner) Refresh(ctx context.Context) (*Summary, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	name := r.dimension()
	refreshStart := time.Now()
	r.log.Debug("runner: refresh started", "dimension", name)
	defer func() {
		metrics.RunnerRefreshDuration.WithLabelValues(name).Observe(time.Since(refreshStart).Seconds())
	}()

	summary, err := r.refresh(ctx)
	if err != nil {
		metrics.RunnerRefreshTotal.WithLabelValues(name, "error").Inc()
		return summary, err
	}
	metrics.RunnerRefreshTotal.WithLabelValues(name, "success").Inc()
	r.readyOnce.Do(func() { close(r.readyCh) })
	r.log.Info("runner: refresh completed",
		"dimension", name,
		"listed", summary.Listed,
		"applied", summary.Applied,
		"skipped", summary.Skipped,
		"stale", summary.Stale,
		"duration", time.Since(refreshStart).String())
	return summary, nil
}

func (r *Runner) refresh(ctx context.Context) (*Summary, error) {
	name := r.dimension()
	summary := &Summary{}

	refs, err := r.cfg.Source.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list source: %w", err)
	}
	summary.Listed = len(refs)

	var watermark time.Time
	last, err := r.cfg.Merger.LastBatch(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to read last batch: %w", err)
	}
	if last != nil {
		watermark = last.BatchTimestamp
	}

	pending := make([]source.Ref, 0, len(refs))
	for _, ref := range refs {
		applied, err := r.cfg.Merger.Applied(ctx, ref.ID)
		if err != nil {
			return summary, fmt.Errorf("failed to check batch %s: %w", ref.ID, err)
		}
		if applied {
			continue
		}
		if !ref.Timestamp.IsZero() && ref.Timestamp.Before(watermark) {
			summary.Stale++
			r.log.Warn("runner: batch is older than the last applied batch", "dimension", name, "batch_id", ref.ID, "batch_ts", ref.Timestamp, "watermark", watermark)
			continue
		}
		pending = append(pending, ref)
	}
	summary.Pending = len(pending)
	metrics.RunnerPendingBatches.WithLabelValues(name).Set(float64(len(pending)))
	if len(pending) == 0 {
		return summary, nil
	}

	batches, err := source.LoadAll(ctx, r.cfg.Source, r.cfg.Decoder, pending, r.cfg.MaxConcurrency)
	if err != nil {
		return summary, fmt.Errorf("failed to load batches: %w", err)
	}

	for i, batch := range batches {
		result, err := r.apply(ctx, batch)
		if errors.Is(err, scd2.ErrOutOfOrderBatch) {
			summary.Stale++
			r.log.Warn("runner: batch is older than the last applied batch", "dimension", name, "batch_id", batch.ID, "batch_ts", batch.Timestamp)
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("failed to apply batch %s: %w", batch.ID, err)
		}
		metrics.RunnerPendingBatches.WithLabelValues(name).Set(float64(len(batches) - i - 1))
		if result.AlreadyApplied {
			summary.Skipped++
			continue
		}
		summary.Applied++
		r.publish(ctx, result)
	}
	return summary, nil
}

func (r *Runner) apply(ctx context.Context, batch dimension.Batch) (*scd2.ApplyResult, error) {
	span := sentry.StartSpan(ctx, "scd2.apply_batch", sentry.WithDescription(fmt.Sprintf("apply %s %s", r.dimension(), batch.ID)))
	defer span.Finish()
	span.SetData("dimension", r.dimension())
	span.SetData("batch_id", batch.ID)
	span.SetData("records", len(batch.Records))

	retryCfg := r.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		r.log.Warn("runner: store unavailable, retrying batch", "dimension", r.dimension(), "batch_id", batch.ID, "attempt", attempt, "backoff", backoff, "error", err)
	}

	var result *scd2.ApplyResult
	err := retry.Do(span.Context(), retryCfg, func() error {
		var err error
		result, err = r.cfg.Merger.ApplyBatch(span.Context(), batch)
		return err
	})
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		if !errors.Is(err, context.Canceled) && !errors.Is(err, scd2.ErrOutOfOrderBatch) {
			sentry.CaptureException(err)
		}
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	return result, nil
}

func (r *Runner) publish(ctx context.Context, result *scd2.ApplyResult) {
	if r.cfg.Mirror == nil {
		return
	}
	if err := r.cfg.Mirror.Publish(ctx, result); err != nil {
		r.log.Error("runner: failed to publish batch to mirror", "dimension", r.dimension(), "batch_id", result.BatchID, "op_id", result.OpID, "error", err)
	}
}

func (r *Runner) dimension() string {
	return r.cfg.Merger.Dimension().Name()
}
