package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	streamPrefix     = "votecore."
	deadLetterSuffix = ".dead"
	readBlock        = 2 * time.Second
	reclaimBatch     = 100
)

// Redis is a durable bus on Redis Streams: one stream per topic, one consumer group per
// subscriber group. Unacknowledged entries are reclaimed after RedeliverAfter and moved
// to "<stream>.dead" once they reach MaxDeliveries.
type Redis struct {
	rdb      *redis.Client
	opts     Options
	consumer string

	mu      sync.Mutex
	subs    []redisSub
	started bool
	closed  bool

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type redisSub struct {
	topic   string
	group   string
	handler Handler
}

// NewRedis creates a stream bus on rdb.
func NewRedis(rdb *redis.Client, opts Options) *Redis {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With().Str("component", "bus").Str("bus", "redis").Logger()
	host, _ := os.Hostname()
	return &Redis{
		rdb:      rdb,
		opts:     opts,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		sem:      make(chan struct{}, opts.Concurrency),
	}
}

// StreamName maps a topic to its Redis stream key.
func StreamName(topic string) string { return streamPrefix + topic }

func (r *Redis) Publish(ctx context.Context, topic, key string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(topic),
		Values: map[string]interface{}{
			"key":          key,
			"payload":      string(payload),
			"published_at": strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("bus: xadd %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(topic, group string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("bus: subscribe %q after start", topic)
	}
	for _, s := range r.subs {
		if s.topic == topic && s.group == group {
			return fmt.Errorf("bus: group %q already subscribed to %q", group, topic)
		}
	}
	r.subs = append(r.subs, redisSub{topic: topic, group: group, handler: h})
	return nil
}

// Start creates the consumer groups and launches a reader and a reclaimer per subscription.
func (r *Redis) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	for _, s := range r.subs {
		err := r.rdb.XGroupCreateMkStream(ctx, StreamName(s.topic), s.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("bus: create group %s/%s: %w", s.topic, s.group, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.started = true
	for _, s := range r.subs {
		s := s
		r.wg.Add(2)
		go r.readLoop(runCtx, s)
		go r.reclaimLoop(runCtx, s)
	}
	r.opts.Logger.Info().Str("consumer", r.consumer).Int("subscriptions", len(r.subs)).Msg("redis bus started")
	return nil
}

func (r *Redis) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Redis) readLoop(ctx context.Context, s redisSub) {
	defer r.wg.Done()
	stream := StreamName(s.topic)
	for ctx.Err() == nil {
		res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(r.opts.Concurrency),
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			r.opts.Logger.Error().Err(err).Str("stream", stream).Msg("xreadgroup failed")
			sleep(ctx, time.Second)
			continue
		}
		for _, st := range res {
			for _, xm := range st.Messages {
				r.dispatch(ctx, s, xm, 1)
			}
		}
	}
}

func (r *Redis) reclaimLoop(ctx context.Context, s redisSub) {
	defer r.wg.Done()
	t := time.NewTicker(r.opts.RedeliverAfter)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.reclaim(ctx, s); err != nil && ctx.Err() == nil {
				r.opts.Logger.Error().Err(err).Str("topic", s.topic).Str("group", s.group).Msg("reclaim failed")
			}
		}
	}
}

func (r *Redis) reclaim(ctx context.Context, s redisSub) error {
	stream := StreamName(s.topic)
	pending, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  s.group,
		Idle:   r.opts.RedeliverAfter,
		Start:  "-",
		End:    "+",
		Count:  reclaimBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}

	for _, p := range pending {
		claimed, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    s.group,
			Consumer: r.consumer,
			MinIdle:  r.opts.RedeliverAfter,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", p.ID, err)
		}
		for _, xm := range claimed {
			// XCLAIM itself counts as a delivery.
			delivery := int(p.RetryCount) + 1
			if delivery > r.opts.MaxDeliveries {
				r.bury(ctx, s, xm, delivery-1)
				continue
			}
			r.dispatch(ctx, s, xm, delivery)
		}
	}
	return nil
}

func (r *Redis) dispatch(ctx context.Context, s redisSub, xm redis.XMessage, delivery int) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()

		msg := toMessage(s.topic, xm, delivery)
		if err := s.handler(ctx, msg); err != nil {
			r.opts.Logger.Warn().
				Err(err).
				Str("topic", s.topic).
				Str("group", s.group).
				Str("message_id", xm.ID).
				Int("delivery", delivery).
				Msg("handler failed, leaving entry pending")
			return
		}
		if err := r.rdb.XAck(ctx, StreamName(s.topic), s.group, xm.ID).Err(); err != nil {
			r.opts.Logger.Error().Err(err).Str("message_id", xm.ID).Msg("xack failed")
		}
	}()
}

// bury copies the entry to the dead-letter stream and acknowledges the original.
func (r *Redis) bury(ctx context.Context, s redisSub, xm redis.XMessage, deliveries int) {
	stream := StreamName(s.topic)
	values := make(map[string]interface{}, len(xm.Values)+3)
	for k, v := range xm.Values {
		values[k] = v
	}
	values["origin_id"] = xm.ID
	values["group"] = s.group
	values["deliveries"] = strconv.Itoa(deliveries)

	if err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream + deadLetterSuffix, Values: values}).Err(); err != nil {
		r.opts.Logger.Error().Err(err).Str("message_id", xm.ID).Msg("dead-letter xadd failed")
		return
	}
	if err := r.rdb.XAck(ctx, stream, s.group, xm.ID).Err(); err != nil {
		r.opts.Logger.Error().Err(err).Str("message_id", xm.ID).Msg("dead-letter xack failed")
	}
	r.opts.deadLetter(ctx, s.group, toMessage(s.topic, xm, deliveries), errors.New("delivery limit reached"))
}

func toMessage(topic string, xm redis.XMessage, delivery int) Message {
	msg := Message{ID: xm.ID, Topic: topic, Delivery: delivery}
	if v, ok := xm.Values["key"].(string); ok {
		msg.Key = v
	}
	if v, ok := xm.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := xm.Values["published_at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.PublishedAt = time.UnixMilli(ms).UTC()
		}
	}
	return msg
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (r *Redis) Name() string { return "bus.redis" }
