// Package outbox relays signals that were committed together with the write that
// produced them. A crash between commit and publish delays a signal; it never loses one.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/bus"
	"github.com/agaro/votecore/src/metrics"
	"github.com/agaro/votecore/src/voting/types"
)

const (
	defaultInterval  = time.Second
	defaultBatchSize = 100
	defaultRetention = 7 * 24 * time.Hour
	pruneEvery       = time.Hour
)

// Enqueue stores a signal through tx. It is published only if tx commits.
func Enqueue(tx *gorm.DB, topic, key string, payload []byte) error {
	row := &types.OutboxSignal{Topic: topic, Key: key, Payload: payload}
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// Options tune the dispatcher.
type Options struct {
	Interval  time.Duration
	BatchSize int
	// Retention is how long dispatched rows are kept before pruning.
	Retention time.Duration
	Metrics   *metrics.Collector
}

// Dispatcher relays pending outbox rows to the bus in id order.
type Dispatcher struct {
	db   *gorm.DB
	pub  bus.Publisher
	log  zerolog.Logger
	opts Options

	nudge  chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. Start launches its loop.
func NewDispatcher(db *gorm.DB, pub bus.Publisher, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Dispatcher{
		db:    db,
		pub:   pub,
		log:   log.With().Str("component", "outbox").Logger(),
		opts:  opts,
		nudge: make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Name() string { return "outbox" }

// Nudge asks the loop to run a pass now. It never blocks.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("outbox: already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	tick := time.NewTicker(d.opts.Interval)
	defer tick.Stop()
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-d.nudge:
		case <-prune.C:
			if n, err := d.Prune(ctx, time.Now().Add(-d.opts.Retention)); err != nil {
				d.log.Error().Err(err).Msg("prune failed")
			} else if n > 0 {
				d.log.Info().Int64("rows", n).Msg("pruned dispatched signals")
			}
			continue
		}
		if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("dispatch pass failed")
		}
	}
}

// DispatchPending relays one batch and returns how many rows were published.
// A failed publish is recorded on its row and retried on a later pass.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	var rows []types.OutboxSignal
	err := d.db.WithContext(ctx).
		Where("dispatched_at IS NULL").
		Order("id ASC").
		Limit(d.opts.BatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("outbox: load pending: %w", err)
	}
	d.opts.Metrics.OutboxPending(len(rows))

	sent := 0
	for _, row := range rows {
		if err := d.pub.Publish(ctx, row.Topic, row.Key, row.Payload); err != nil {
			d.opts.Metrics.OutboxFailed()
			d.log.Warn().Err(err).Uint64("id", row.ID).Str("topic", row.Topic).Int("attempts", row.Attempts+1).Msg("publish failed")
			uerr := d.db.WithContext(ctx).Model(&types.OutboxSignal{}).Where("id = ?", row.ID).
				Updates(map[string]interface{}{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": err.Error(),
				}).Error
			if uerr != nil {
				return sent, fmt.Errorf("outbox: record failure %d: %w", row.ID, uerr)
			}
			continue
		}

		now := time.Now().UTC()
		uerr := d.db.WithContext(ctx).Model(&types.OutboxSignal{}).Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"attempts":      gorm.Expr("attempts + 1"),
				"dispatched_at": now,
			}).Error
		if uerr != nil {
			// The signal went out but is still marked pending; it will be sent again.
			return sent, fmt.Errorf("outbox: mark dispatched %d: %w", row.ID, uerr)
		}
		sent++
	}
	d.opts.Metrics.OutboxDispatched(sent)
	return sent, nil
}

// Prune deletes rows dispatched before cutoff.
func (d *Dispatcher) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("dispatched_at IS NOT NULL AND dispatched_at < ?", cutoff.UTC()).
		Delete(&types.OutboxSignal{})
	if res.Error != nil {
		return 0, fmt.Errorf("outbox: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
