package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process bus. Messages in flight are lost on Stop or a crash, after
// the outbox has already marked them dispatched. Consumers that need every message must
// recover from their own store; the tally worker does so with its reconcile pass.
type Memory struct {
	opts Options

	mu     sync.RWMutex
	subs   map[string][]memorySub
	closed bool

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type memorySub struct {
	group   string
	handler Handler
}

// NewMemory creates an in-process bus.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With().Str("component", "bus").Str("bus", "memory").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		opts:   opts,
		subs:   make(map[string][]memorySub),
		sem:    make(chan struct{}, opts.Concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	msg := Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Key:         key,
		Payload:     append([]byte(nil), payload...),
		PublishedAt: time.Now().UTC(),
	}
	for _, s := range m.subs[topic] {
		m.deliver(s, msg, 1)
	}
	return nil
}

func (m *Memory) Subscribe(topic, group string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs[topic] {
		if s.group == group {
			return fmt.Errorf("bus: group %q already subscribed to %q", group, topic)
		}
	}
	m.subs[topic] = append(m.subs[topic], memorySub{group: group, handler: h})
	return nil
}

// Start is a no-op; delivery begins with the first Publish.
func (m *Memory) Start(context.Context) error { return nil }

// Stop refuses new messages, cancels pending redeliveries and waits for in-flight handlers.
func (m *Memory) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) deliver(s memorySub, msg Message, delivery int) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case m.sem <- struct{}{}:
		case <-m.ctx.Done():
			return
		}
		msg.Delivery = delivery
		err := s.handler(m.ctx, msg)
		<-m.sem
		if err == nil {
			return
		}

		if delivery >= m.opts.MaxDeliveries {
			m.opts.deadLetter(m.ctx, s.group, msg, err)
			return
		}
		m.opts.Logger.Warn().
			Err(err).
			Str("topic", msg.Topic).
			Str("group", s.group).
			Int("delivery", delivery).
			Msg("handler failed, scheduling redelivery")

		t := time.NewTimer(m.opts.RedeliverAfter)
		defer t.Stop()
		select {
		case <-t.C:
			m.deliver(s, msg, delivery+1)
		case <-m.ctx.Done():
		}
	}()
}

func (m *Memory) Name() string { return "bus.memory" }
