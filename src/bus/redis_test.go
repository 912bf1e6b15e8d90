package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBus(t *testing.T, opts Options) (*Redis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, opts), rdb
}

func TestRedisPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	b, rdb := newRedisBus(t, testOptions())

	got := make(chan Message, 1)
	require.NoError(t, b.Subscribe("vote.accepted", "tally", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	}))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	assert.Error(t, b.Subscribe("late", "g", nil))

	require.NoError(t, b.Publish(ctx, "vote.accepted", "poll-1", []byte(`{"voteId":"v1"}`)))

	select {
	case msg := <-got:
		assert.Equal(t, "poll-1", msg.Key)
		assert.JSONEq(t, `{"voteId":"v1"}`, string(msg.Payload))
		assert.Equal(t, 1, msg.Delivery)
		assert.False(t, msg.PublishedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	assert.Eventually(t, func() bool {
		p, err := rdb.XPending(ctx, StreamName("vote.accepted"), "tally").Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStartIsIdempotentForExistingGroups(t *testing.T) {
	ctx := context.Background()
	b, rdb := newRedisBus(t, testOptions())
	require.NoError(t, rdb.XGroupCreateMkStream(ctx, StreamName("t"), "g", "0").Err())

	require.NoError(t, b.Subscribe("t", "g", func(context.Context, Message) error { return nil }))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))
	assert.ErrorIs(t, b.Publish(ctx, "t", "k", nil), ErrClosed)
}

func TestRedisRedeliversAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.RedeliverAfter = 50 * time.Millisecond
	opts.MaxDeliveries = 2
	dead := make(chan Message, 1)
	opts.OnDeadLetter = func(_ context.Context, msg Message, _ error) { dead <- msg }
	b, rdb := newRedisBus(t, opts)

	var calls atomic.Int32
	require.NoError(t, b.Subscribe("t", "g", func(context.Context, Message) error {
		calls.Add(1)
		return errors.New("permanent")
	}))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	require.NoError(t, b.Publish(ctx, "t", "k", []byte("x")))

	select {
	case msg := <-dead:
		assert.Equal(t, "k", msg.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not dead-lettered")
	}
	assert.EqualValues(t, 2, calls.Load())

	entries, err := rdb.XRange(ctx, StreamName("t")+deadLetterSuffix, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].Values["payload"])
}
