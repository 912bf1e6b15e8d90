package tally

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/agaro/votecore/src/alert"
	"github.com/agaro/votecore/src/bus"
	"github.com/agaro/votecore/src/data"
	"github.com/agaro/votecore/src/metrics"
	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/signals"
	"github.com/agaro/votecore/src/voting/types"
)

// Group is the bus subscriber group of the worker.
const Group = "tally-worker"

var errStopped = errors.New("tally: worker stopped")

type tallyStore interface {
	Increment(ctx context.Context, inc Increment) (*Applied, error)
	RecomputePercentages(ctx context.Context, pollID string) ([]types.VoteTally, int64, error)
	Unapplied(ctx context.Context, before time.Time, limit int) ([]Increment, error)
}

// WorkerOptions tune the worker.
type WorkerOptions struct {
	// Partitions is the number of sequential lanes. Signals of one poll share a lane.
	Partitions        int
	MaxAttempts       int
	BaseBackoff       time.Duration
	// ReconcileInterval is how often ledger votes without a tally application are
	// re-applied. ReconcileGrace skips votes whose signal may still be in flight.
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	ReconcileBatch    int
	Metrics           *metrics.Collector
	Notifier          alert.Notifier
}

// Worker applies VoteAccepted signals to the tally store.
type Worker struct {
	store tallyStore
	audit *audit.Recorder
	pub   bus.Publisher
	log   zerolog.Logger
	opts  WorkerOptions

	lanes   []chan job
	stopped chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
}

type job struct {
	ctx  context.Context
	sig  signals.VoteAccepted
	done chan error
}

// NewWorker creates a worker. pub receives StatsUpdated signals; it may be nil.
func NewWorker(store tallyStore, rec *audit.Recorder, pub bus.Publisher, log zerolog.Logger, opts WorkerOptions) *Worker {
	if opts.Partitions <= 0 {
		opts.Partitions = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 30 * time.Second
	}
	if opts.ReconcileGrace <= 0 {
		opts.ReconcileGrace = 30 * time.Second
	}
	if opts.ReconcileBatch <= 0 {
		opts.ReconcileBatch = 500
	}
	w := &Worker{
		store:   store,
		audit:   rec,
		pub:     pub,
		log:     log.With().Str("component", "tally-worker").Logger(),
		opts:    opts,
		lanes:   make([]chan job, opts.Partitions),
		stopped: make(chan struct{}),
	}
	for i := range w.lanes {
		w.lanes[i] = make(chan job)
	}
	return w
}

func (w *Worker) Name() string { return "tally-worker" }

// Subscribe registers the worker on b.
func (w *Worker) Subscribe(b bus.Bus) error {
	return b.Subscribe(signals.TopicVoteAccepted, Group, w.Handle)
}

// Start launches the lanes and the reconcile loop. The first reconcile pass covers
// every vote committed before Start.
func (w *Worker) Start(context.Context) error {
	for _, lane := range w.lanes {
		w.wg.Add(1)
		go w.runLane(lane)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.reconcileLoop(ctx, time.Now())
	w.log.Info().Int("partitions", len(w.lanes)).Msg("tally worker started")
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		close(w.stopped)
	})
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) runLane(lane chan job) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopped:
			return
		case j := <-lane:
			j.done <- w.Apply(j.ctx, j.sig)
		}
	}
}

func (w *Worker) reconcileLoop(ctx context.Context, startedAt time.Time) {
	defer w.wg.Done()
	w.reconcilePass(ctx, startedAt)

	t := time.NewTicker(w.opts.ReconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.reconcilePass(ctx, time.Now().Add(-w.opts.ReconcileGrace))
		}
	}
}

func (w *Worker) reconcilePass(ctx context.Context, before time.Time) {
	n, err := w.Reconcile(ctx, before)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("tally reconcile failed")
	}
	if n > 0 {
		w.log.Warn().Int("votes", n).Msg("reconciled votes missing from the tally")
	}
}

// Reconcile applies ledger votes cast before the cutoff that the tally has not counted,
// which covers signals lost in a crash or shutdown. It goes through the lanes, so the
// worker must be started. It returns how many votes were applied.
func (w *Worker) Reconcile(ctx context.Context, before time.Time) (int, error) {
	missing, err := w.store.Unapplied(ctx, before, w.opts.ReconcileBatch)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, inc := range missing {
		err := w.submit(ctx, signals.VoteAccepted{
			VoteID:   inc.VoteID,
			PollID:   inc.PollID,
			ChoiceID: inc.ChoiceID,
			At:       inc.At,
		})
		if err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return applied, err
			}
			w.log.Error().Err(err).Str("vote_id", inc.VoteID).Msg("reconcile apply failed")
			continue
		}
		applied++
	}
	return applied, nil
}

func (w *Worker) partition(pollID string) int {
	return int(xxhash.ChecksumString64(pollID) % uint64(len(w.lanes)))
}

// Handle is the bus handler. It waits until the signal's lane has applied it, so a
// returned error sends the message back for redelivery.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) error {
	var sig signals.VoteAccepted
	if err := signals.Decode(msg.Payload, &sig); err != nil {
		// Redelivery cannot fix a malformed payload.
		w.log.Error().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable vote signal")
		return nil
	}
	return w.submit(ctx, sig)
}

// submit runs sig on its poll's lane and waits for the result.
func (w *Worker) submit(ctx context.Context, sig signals.VoteAccepted) error {
	j := job{ctx: ctx, sig: sig, done: make(chan error, 1)}
	select {
	case w.lanes[w.partition(sig.PollID)] <- j:
	case <-w.stopped:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply increments the tally for sig with bounded retry, recomputes the poll's
// percentages, audits the change and publishes StatsUpdated. A vote that was already
// applied only triggers the recompute.
func (w *Worker) Apply(ctx context.Context, sig signals.VoteAccepted) error {
	start := time.Now()
	log := w.log.With().Str("vote_id", sig.VoteID).Str("poll_id", sig.PollID).Str("choice_id", sig.ChoiceID).Logger()

	backoff := retry.WithMaxRetries(uint64(w.opts.MaxAttempts-1), retry.NewExponential(w.opts.BaseBackoff))

	var (
		applied   *Applied
		duplicate bool
		attempts  int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		res, err := w.store.Increment(ctx, Increment{
			VoteID:   sig.VoteID,
			PollID:   sig.PollID,
			ChoiceID: sig.ChoiceID,
			At:       sig.At,
		})
		switch {
		case err == nil:
			applied = res
			return nil
		case errors.Is(err, types.ErrAlreadyApplied):
			duplicate = true
			return nil
		case errors.Is(err, types.ErrVersionConflict):
			w.opts.Metrics.TallyConflict()
			log.Debug().Int("attempt", attempts).Msg("version conflict, retrying")
			return retry.RetryableError(err)
		case data.IsTransient(err):
			log.Warn().Err(err).Int("attempt", attempts).Msg("transient storage error, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		w.opts.Metrics.TallyApplied("failed", time.Since(start).Seconds())
		if errors.Is(err, types.ErrVersionConflict) || data.IsTransient(err) {
			w.opts.Metrics.TallyExhausted()
			log.Error().Err(err).Int("attempts", attempts).Msg("tally increment retries exhausted")
			w.alertExhausted(ctx, sig, attempts, err)
			return fmt.Errorf("%w: vote %s after %d attempts: %v", types.ErrRetriesExhausted, sig.VoteID, attempts, err)
		}
		return fmt.Errorf("tally: apply vote %s: %w", sig.VoteID, err)
	}

	rows, total, err := w.store.RecomputePercentages(ctx, sig.PollID)
	if err != nil {
		// The increment is committed; redelivery is detected as a duplicate and only
		// repeats this recompute.
		w.opts.Metrics.TallyApplied("failed", time.Since(start).Seconds())
		return fmt.Errorf("tally: recompute %s: %w", sig.PollID, err)
	}

	if duplicate {
		w.opts.Metrics.TallyApplied("duplicate", time.Since(start).Seconds())
		log.Debug().Msg("vote already applied, percentages refreshed")
		return nil
	}

	newPct := 0.0
	for _, r := range rows {
		if r.ChoiceID == sig.ChoiceID {
			newPct = r.Percentage
			break
		}
	}

	_, err = w.audit.Append(ctx, audit.Record{
		Actor: types.SystemActor,
		Payload: audit.StatsUpdated{
			TallyID:    applied.Tally.ID,
			PollID:     sig.PollID,
			ChoiceID:   sig.ChoiceID,
			VoteID:     sig.VoteID,
			Before:     audit.TallySnapshot{Count: applied.PreviousCount, Percentage: applied.PreviousPercentage},
			After:      audit.TallySnapshot{Count: applied.Tally.Count, Percentage: newPct},
			TotalVotes: total,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("stats audit append failed")
	}

	w.publishStats(ctx, signals.StatsUpdated{
		PollID:        sig.PollID,
		ChoiceID:      sig.ChoiceID,
		VoteID:        sig.VoteID,
		PreviousCount: applied.PreviousCount,
		NewCount:      applied.Tally.Count,
		NewPercentage: newPct,
		TotalVotes:    total,
		At:            time.Now().UTC(),
	})

	w.opts.Metrics.TallyApplied("applied", time.Since(start).Seconds())
	log.Debug().Int64("count", applied.Tally.Count).Float64("percentage", newPct).Int("attempts", attempts).Msg("tally updated")
	return nil
}

func (w *Worker) publishStats(ctx context.Context, sig signals.StatsUpdated) {
	if w.pub == nil {
		return
	}
	payload, err := signals.Encode(sig)
	if err == nil {
		err = w.pub.Publish(ctx, signals.TopicStatsUpdated, sig.PollID, payload)
	}
	if err != nil {
		w.log.Warn().Err(err).Str("poll_id", sig.PollID).Msg("stats signal not published")
	}
}

func (w *Worker) alertExhausted(ctx context.Context, sig signals.VoteAccepted, attempts int, cause error) {
	if w.opts.Notifier == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := w.opts.Notifier.Notify(actx, alert.Alert{
		Kind:   alert.KindTallyExhausted,
		Title:  "Tally increment abandoned",
		Body:   fmt.Sprintf("vote %s could not be applied after %d attempts: %v", sig.VoteID, attempts, cause),
		PollID: sig.PollID,
		Fields: map[string]string{"choice": sig.ChoiceID, "vote": sig.VoteID},
	})
	w.opts.Metrics.AlertSent(string(alert.KindTallyExhausted), err)
	if err != nil {
		w.log.Error().Err(err).Msg("tally alert failed")
	}
}
