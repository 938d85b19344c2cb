// Package collect runs one worker per configured source, pushing every
// fetched record through normalization and dedup admission while
// keeping the run ledger and source checkpoints current.
package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gauravfs-14/socflow/internal/db"
	"github.com/gauravfs-14/socflow/internal/dedup"
	"github.com/gauravfs-14/socflow/internal/fingerprint"
	"github.com/gauravfs-14/socflow/internal/metrics"
	"github.com/gauravfs-14/socflow/internal/post"
	"github.com/gauravfs-14/socflow/internal/source"
)

// State is the lifecycle of one source worker.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateBackoff   State = "backoff"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Admitter decides whether a normalized post is new.
type Admitter interface {
	TryAdmit(ctx context.Context, p *post.Post, fp fingerprint.Fingerprint) (dedup.Decision, error)
}

// Ledger persists run rows and resumable cursors. *db.Pool implements it.
type Ledger interface {
	InsertCollectRun(ctx context.Context, src string) (string, error)
	FinishCollectRun(ctx context.Context, runUUID, status string, totals db.RunTotals, cursor json.RawMessage, runErr error) error
	GetSourceCheckpoint(ctx context.Context, src string) (json.RawMessage, error)
	UpsertSourceCheckpoint(ctx context.Context, src string, cursor json.RawMessage) error
	DeleteSourceCheckpoint(ctx context.Context, src string) error
}

// admitRetries bounds per-record retries of a failed sink admission
// before the record is counted failed.
const admitRetries = 2

// Options tune one collection run.
type Options struct {
	Concurrency   int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RecordTimeout time.Duration
	BatchTimeout  time.Duration

	// MaxPostsPerSource stops a worker after it has seen this many
	// records. Zero means unbounded. MaxPostsBySource overrides the
	// global cap for individual source names.
	MaxPostsPerSource int
	MaxPostsBySource  map[string]int

	// Follow keeps workers polling after exhaustion instead of
	// finishing the run.
	Follow         bool
	FollowInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Concurrency <= 0 {
		out.Concurrency = 3
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = time.Minute
	}
	if out.RecordTimeout <= 0 {
		out.RecordTimeout = 10 * time.Second
	}
	if out.BatchTimeout <= 0 {
		out.BatchTimeout = 90 * time.Second
	}
	if out.FollowInterval <= 0 {
		out.FollowInterval = time.Minute
	}
	return out
}

// SourceResult summarizes one worker after the run.
type SourceResult struct {
	Source string
	State  State
	Totals db.RunTotals
	Err    error
}

type Coordinator struct {
	sources    []source.Source
	normalizer *post.Normalizer
	admitter   Admitter
	ledger     Ledger
	aggregator *metrics.Aggregator
	logger     zerolog.Logger
	opts       Options
	backoff    *Backoff

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	states map[string]State
}

func NewCoordinator(
	sources []source.Source,
	normalizer *post.Normalizer,
	admitter Admitter,
	ledger Ledger,
	aggregator *metrics.Aggregator,
	logger zerolog.Logger,
	opts Options,
) *Coordinator {
	opts = opts.withDefaults()
	states := make(map[string]State, len(sources))
	for _, src := range sources {
		states[src.Name()] = StateIdle
	}
	return &Coordinator{
		sources:    sources,
		normalizer: normalizer,
		admitter:   admitter,
		ledger:     ledger,
		aggregator: aggregator,
		logger:     logger,
		opts:       opts,
		backoff:    NewBackoff(opts.BackoffBase, opts.BackoffMax),
		sleep:      ctxSleep,
		states:     states,
	}
}

// States returns a copy of the current worker states.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.states))
	for name, state := range c.states {
		out[name] = state
	}
	return out
}

func (c *Coordinator) maxPostsFor(src string) int {
	if cap, ok := c.opts.MaxPostsBySource[src]; ok && cap > 0 {
		return cap
	}
	return c.opts.MaxPostsPerSource
}

func (c *Coordinator) setState(src string, state State) {
	c.mu.Lock()
	c.states[src] = state
	c.mu.Unlock()
}

// Run executes every source worker and blocks until all finish. One
// source failing fatally does not stop the others; cancellation of ctx
// stops everything. The returned results are ordered like the sources.
func (c *Coordinator) Run(ctx context.Context) []SourceResult {
	results := make([]SourceResult, len(c.sources))
	sem := semaphore.NewWeighted(int64(c.opts.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range c.sources {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				c.setState(src.Name(), StateCancelled)
				results[i] = SourceResult{Source: src.Name(), State: StateCancelled, Err: err}
				return nil
			}
			defer sem.Release(1)
			results[i] = c.runSource(gctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) runSource(ctx context.Context, src source.Source) SourceResult {
	name := src.Name()
	logger := c.logger.With().Str("source", name).Logger()
	c.setState(name, StateRunning)

	var totals db.RunTotals
	finish := func(state State, cursor json.RawMessage, runErr error) SourceResult {
		c.setState(name, state)
		return SourceResult{Source: name, State: state, Totals: totals, Err: runErr}
	}

	runUUID, err := c.ledger.InsertCollectRun(ctx, name)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open collect run")
		return finish(StateFailed, nil, err)
	}

	cursor, err := c.ledger.GetSourceCheckpoint(ctx, name)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load checkpoint, starting fresh")
		cursor = nil
	}

	state, runErr := c.pullLoop(ctx, src, logger, &totals, &cursor)

	status := db.RunStatusCompleted
	switch state {
	case StateFailed:
		status = db.RunStatusFailed
	case StateCancelled:
		status = db.RunStatusCancelled
	}

	finishCtx := ctx
	if finishCtx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := c.ledger.FinishCollectRun(finishCtx, runUUID, status, totals, cursor, runErr); err != nil {
		logger.Error().Err(err).Msg("failed to close collect run")
	}

	logger.Info().
		Str("status", status).
		Int64("collected", totals.Collected).
		Int64("inserted", totals.Inserted).
		Int64("deduplicated", totals.Deduplicated).
		Int64("rejected", totals.Rejected).
		Int64("failed", totals.Failed).
		Msg("collect run finished")

	return finish(state, cursor, runErr)
}

func (c *Coordinator) pullLoop(
	ctx context.Context,
	src source.Source,
	logger zerolog.Logger,
	totals *db.RunTotals,
	cursor *json.RawMessage,
) (State, error) {
	name := src.Name()
	maxPosts := c.maxPostsFor(name)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return StateCancelled, ctx.Err()
		}
		if maxPosts > 0 && totals.Collected >= int64(maxPosts) {
			return StateDone, nil
		}

		batchCtx, cancel := context.WithTimeout(ctx, c.opts.BatchTimeout)
		batch, err := src.Pull(batchCtx, *cursor)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return StateCancelled, ctx.Err()
			}
			if source.IsFatal(err) {
				logger.Error().Err(err).Msg("source failed fatally")
				c.aggregator.AddFailed(name, 1)
				totals.Failed++
				return StateFailed, err
			}

			attempt++
			if attempt > c.opts.MaxRetries {
				retryErr := fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt-1, err)
				logger.Error().Err(err).Int("attempts", attempt-1).Msg("retry budget exhausted")
				c.aggregator.AddFailed(name, 1)
				totals.Failed++
				return StateFailed, retryErr
			}

			delay := c.backoff.Delay(attempt)
			logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("transient pull failure, backing off")
			c.aggregator.AddRetried(name, 1)
			totals.Retried++
			c.setState(name, StateBackoff)
			if err := c.sleep(ctx, delay); err != nil {
				return StateCancelled, err
			}
			c.setState(name, StateRunning)
			continue
		}
		attempt = 0

		c.processBatch(ctx, src, logger, batch.Records, totals)

		if len(batch.Next) > 0 {
			*cursor = batch.Next
			if err := c.ledger.UpsertSourceCheckpoint(ctx, name, batch.Next); err != nil {
				logger.Warn().Err(err).Msg("failed to persist checkpoint")
			}
		}

		if batch.Exhausted {
			if !c.opts.Follow {
				return StateDone, nil
			}
			// Follow mode starts the next poll from the top so new
			// posts are seen; dedup absorbs the overlap. The persisted
			// checkpoint goes too, or a restart would resume deep
			// pagination from the drained cycle.
			*cursor = nil
			if err := c.ledger.DeleteSourceCheckpoint(ctx, name); err != nil {
				logger.Warn().Err(err).Msg("failed to clear checkpoint")
			}
			logger.Debug().Dur("interval", c.opts.FollowInterval).Msg("source exhausted, waiting for next poll")
			if err := c.sleep(ctx, c.opts.FollowInterval); err != nil {
				return StateCancelled, err
			}
		}
	}
}

func (c *Coordinator) processBatch(
	ctx context.Context,
	src source.Source,
	logger zerolog.Logger,
	records []source.Raw,
	totals *db.RunTotals,
) {
	name := src.Name()
	maxPosts := c.maxPostsFor(name)
	for _, raw := range records {
		if ctx.Err() != nil {
			return
		}
		totals.Collected++
		c.aggregator.AddCollected(name, 1)

		recordCtx, cancel := context.WithTimeout(ctx, c.opts.RecordTimeout)
		c.processRecord(recordCtx, name, logger, raw, totals)
		cancel()

		if maxPosts > 0 && totals.Collected >= int64(maxPosts) {
			return
		}
	}
}

func (c *Coordinator) processRecord(
	ctx context.Context,
	name string,
	logger zerolog.Logger,
	raw source.Raw,
	totals *db.RunTotals,
) {
	var (
		p   *post.Post
		err error
	)
	if raw.Canonical {
		p, err = c.normalizer.NormalizeCanonical(raw.Payload)
	} else {
		p, err = c.normalizer.Normalize(raw.Payload, raw.Platform)
	}
	if err != nil {
		var verr *post.ValidationError
		if errors.As(err, &verr) {
			totals.Rejected++
			c.aggregator.AddRejected(name, 1)
			logger.Debug().Str("field", verr.Field).Str("reason", verr.Reason).Msg("record rejected")
			return
		}
		totals.Rejected++
		c.aggregator.AddRejected(name, 1)
		logger.Warn().Err(err).Msg("record rejected")
		return
	}

	fp := fingerprint.Compute(p)
	var decision dedup.Decision
	for attempt := 0; ; attempt++ {
		decision, err = c.admitter.TryAdmit(ctx, p, fp)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt >= admitRetries {
			totals.Failed++
			c.aggregator.AddFailed(name, 1)
			logger.Warn().Err(err).Str("object_id", p.ObjectID).Msg("failed to store record")
			return
		}
		totals.Retried++
		c.aggregator.AddRetried(name, 1)
		logger.Warn().Err(err).Str("object_id", p.ObjectID).Int("attempt", attempt+1).Msg("retrying record admission")
		if c.sleep(ctx, c.backoff.Delay(attempt+1)) != nil {
			totals.Failed++
			c.aggregator.AddFailed(name, 1)
			return
		}
	}
	if decision.Admitted {
		totals.Inserted++
		c.aggregator.AddInserted(name, 1)
		return
	}
	totals.Deduplicated++
	c.aggregator.AddDeduplicated(name, 1)
	logger.Debug().
		Str("object_id", p.ObjectID).
		Str("duplicate_of", decision.DuplicateOf.String()).
		Msg("duplicate dropped")
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
