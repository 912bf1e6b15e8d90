// Package alert notifies operators about security and consistency events.
package alert

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind names what happened.
type Kind string

const (
	KindHighSeverity    Kind = "high_severity_attempt"
	KindDuplicateStorm  Kind = "duplicate_storm"
	KindTallyExhausted  Kind = "tally_retries_exhausted"
	KindDeadLetter      Kind = "signal_dead_lettered"
)

// Alert is one operator notification.
type Alert struct {
	Kind    Kind
	Title   string
	Body    string
	PollID  string
	Wallet  string
	Fields  map[string]string
	RaiseAt time.Time
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Log writes alerts to the service log. Used when no chat channel is configured.
type Log struct {
	log zerolog.Logger
}

// NewLog returns a Notifier backed by log.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "alert").Logger()}
}

func (l *Log) Notify(_ context.Context, a Alert) error {
	ev := l.log.Warn().
		Str("kind", string(a.Kind)).
		Str("poll_id", a.PollID).
		Str("wallet", a.Wallet)
	for k, v := range a.Fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(a.Title)
	return nil
}
