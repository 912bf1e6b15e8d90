// Package monitor records rejected vote attempts in the audit trail, grades their
// severity and alerts operators on high-severity attempts and duplicate storms.
// Nothing here ever fails the rejection path.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/agaro/votecore/src/alert"
	"github.com/agaro/votecore/src/bus"
	"github.com/agaro/votecore/src/metrics"
	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/signals"
	"github.com/agaro/votecore/src/voting/types"
)

// Group is the bus subscriber group of the monitor.
const Group = "illegal-monitor"

const (
	defaultStormThreshold = 5
	defaultStormWindow    = 10 * time.Minute
	defaultTrackedVoters  = 10000
	alertTimeout          = 10 * time.Second
)

var highSeverityMarkers = []string{"forg", "spoof", "bypass", "signature", "impersonat"}

// Reporter accepts illegal attempts from the cast path.
type Reporter interface {
	OnIllegalAttempt(ctx context.Context, sig signals.IllegalAttempt)
}

// Options tune the monitor.
type Options struct {
	// StormThreshold is the number of duplicates from one wallet in one poll, within
	// StormWindow, that raises a storm alert.
	StormThreshold int
	StormWindow    time.Duration
	TrackedVoters  int
	AlertWorkers   int
	Metrics        *metrics.Collector
}

// Monitor is the illegal attempt sink.
type Monitor struct {
	rec      *audit.Recorder
	notifier alert.Notifier
	log      zerolog.Logger
	opts     Options
	now      func() time.Time

	dupMu sync.Mutex
	dups  *lru.Cache

	poolMu  sync.Mutex
	pool    *workerpool.WorkerPool
	stopped bool
}

type dupWindow struct {
	first time.Time
	count int
}

// New creates a monitor. notifier may be nil to disable alerts.
func New(rec *audit.Recorder, notifier alert.Notifier, log zerolog.Logger, opts Options) (*Monitor, error) {
	if opts.StormThreshold <= 0 {
		opts.StormThreshold = defaultStormThreshold
	}
	if opts.StormWindow <= 0 {
		opts.StormWindow = defaultStormWindow
	}
	if opts.TrackedVoters <= 0 {
		opts.TrackedVoters = defaultTrackedVoters
	}
	if opts.AlertWorkers <= 0 {
		opts.AlertWorkers = 2
	}
	dups, err := lru.New(opts.TrackedVoters)
	if err != nil {
		return nil, fmt.Errorf("monitor: duplicate cache: %w", err)
	}
	return &Monitor{
		rec:      rec,
		notifier: notifier,
		log:      log.With().Str("component", "illegal-monitor").Logger(),
		opts:     opts,
		now:      time.Now,
		dups:     dups,
		pool:     workerpool.New(opts.AlertWorkers),
	}, nil
}

func (m *Monitor) Name() string { return "illegal-monitor" }

// Subscribe registers the monitor on b.
func (m *Monitor) Subscribe(b bus.Bus) error {
	return b.Subscribe(signals.TopicIllegalAttempt, Group, m.Handle)
}

func (m *Monitor) Start(context.Context) error { return nil }

// Stop waits for queued alerts to go out.
func (m *Monitor) Stop(context.Context) error {
	m.poolMu.Lock()
	if m.stopped {
		m.poolMu.Unlock()
		return nil
	}
	m.stopped = true
	m.poolMu.Unlock()
	m.pool.StopWait()
	return nil
}

// Classify grades an attempt. Forgery, spoofing and bypass are high; duplicates are
// medium; everything else is low.
func Classify(sig signals.IllegalAttempt) types.Severity {
	if sig.Kind == types.AttemptForgery || sig.Meta.SignatureRejected {
		return types.SeverityHigh
	}
	reason := strings.ToLower(sig.Reason)
	for _, marker := range highSeverityMarkers {
		if strings.Contains(reason, marker) {
			return types.SeverityHigh
		}
	}
	if sig.Kind == types.AttemptDuplicate {
		return types.SeverityMedium
	}
	return types.SeverityLow
}

// OnIllegalAttempt records sig synchronously. Failures are logged, never returned.
func (m *Monitor) OnIllegalAttempt(ctx context.Context, sig signals.IllegalAttempt) {
	if err := m.record(ctx, sig); err != nil {
		m.log.Error().Err(err).Str("poll_id", sig.PollID).Str("wallet", sig.Wallet).Msg("illegal attempt not recorded")
	}
}

// Handle is the bus handler. An audit failure is returned so the bus redelivers.
func (m *Monitor) Handle(ctx context.Context, msg bus.Message) error {
	var sig signals.IllegalAttempt
	if err := signals.Decode(msg.Payload, &sig); err != nil {
		m.log.Error().Err(err).Str("message_id", msg.ID).Msg("dropping undecodable attempt signal")
		return nil
	}
	return m.record(ctx, sig)
}

func (m *Monitor) record(ctx context.Context, sig signals.IllegalAttempt) error {
	if sig.Kind == "" {
		sig.Kind = types.AttemptPolicy
	}
	if sig.At.IsZero() {
		sig.At = m.now().UTC()
	}
	sev := Classify(sig)

	repeat := 0
	if sig.Kind == types.AttemptDuplicate {
		repeat = m.countDuplicate(sig.PollID, sig.Wallet, sig.At)
	}
	m.opts.Metrics.IllegalAttempt(string(sig.Kind), string(sev))

	ev := m.log.Info()
	if sev == types.SeverityHigh {
		ev = m.log.Warn()
	}
	ev.Str("poll_id", sig.PollID).
		Str("wallet", sig.Wallet).
		Str("reason", sig.Reason).
		Str("kind", string(sig.Kind)).
		Str("severity", string(sev)).
		Str("origin", sig.Meta.OriginAddress).
		Int("repeat", repeat).
		Msg("vote attempt rejected")

	_, err := m.rec.Append(ctx, audit.Record{
		Actor: sig.Wallet,
		Meta:  sig.Meta,
		Payload: audit.IllegalAttempt{
			PollID:   sig.PollID,
			ChoiceID: sig.ChoiceID,
			Reason:   sig.Reason,
			Kind:     sig.Kind,
			Severity: sev,
			Repeat:   repeat,
		},
	})

	if sev == types.SeverityHigh {
		m.raise(alert.Alert{
			Kind:    alert.KindHighSeverity,
			Title:   "High severity vote attempt",
			Body:    sig.Reason,
			PollID:  sig.PollID,
			Wallet:  sig.Wallet,
			Fields:  map[string]string{"origin": sig.Meta.OriginAddress, "user agent": sig.Meta.UserAgent},
			RaiseAt: sig.At,
		})
	}
	if repeat == m.opts.StormThreshold {
		m.raise(alert.Alert{
			Kind:    alert.KindDuplicateStorm,
			Title:   "Duplicate vote storm",
			Body:    fmt.Sprintf("%d duplicate submissions within %s", repeat, m.opts.StormWindow),
			PollID:  sig.PollID,
			Wallet:  sig.Wallet,
			Fields:  map[string]string{"count": strconv.Itoa(repeat)},
			RaiseAt: sig.At,
		})
	}

	if err != nil {
		return fmt.Errorf("monitor: audit: %w", err)
	}
	return nil
}

// countDuplicate returns how many duplicates the wallet sent to the poll in the
// current window, this one included.
func (m *Monitor) countDuplicate(pollID, wallet string, at time.Time) int {
	key := pollID + "|" + strings.ToLower(wallet)
	m.dupMu.Lock()
	defer m.dupMu.Unlock()

	w := dupWindow{first: at}
	if v, ok := m.dups.Get(key); ok {
		prev := v.(dupWindow)
		if at.Sub(prev.first) <= m.opts.StormWindow {
			w = prev
		}
	}
	w.count++
	m.dups.Add(key, w)
	return w.count
}

func (m *Monitor) raise(a alert.Alert) {
	if m.notifier == nil {
		return
	}
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	if m.stopped {
		m.log.Warn().Str("kind", string(a.Kind)).Msg("alert dropped after stop")
		return
	}
	m.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		err := m.notifier.Notify(ctx, a)
		m.opts.Metrics.AlertSent(string(a.Kind), err)
		if err != nil {
			m.log.Error().Err(err).Str("kind", string(a.Kind)).Msg("alert delivery failed")
		}
	})
}

// BusReporter publishes attempts to the bus and falls back to recording them directly
// when the bus is unavailable.
type BusReporter struct {
	pub      bus.Publisher
	fallback Reporter
	log      zerolog.Logger
}

// NewBusReporter returns a Reporter that publishes on pub.
func NewBusReporter(pub bus.Publisher, fallback Reporter, log zerolog.Logger) *BusReporter {
	return &BusReporter{pub: pub, fallback: fallback, log: log.With().Str("component", "attempt-reporter").Logger()}
}

func (r *BusReporter) OnIllegalAttempt(ctx context.Context, sig signals.IllegalAttempt) {
	payload, err := signals.Encode(sig)
	if err == nil {
		err = r.pub.Publish(ctx, signals.TopicIllegalAttempt, sig.PollID, payload)
	}
	if err == nil {
		return
	}
	r.log.Warn().Err(err).Str("poll_id", sig.PollID).Msg("attempt signal not published, recording inline")
	if r.fallback != nil {
		r.fallback.OnIllegalAttempt(ctx, sig)
	}
}
