package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/testutil"
	"github.com/agaro/votecore/src/voting/types"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	fail map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[key] {
		return errors.New("bus down")
	}
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func TestEnqueueFollowsTransaction(t *testing.T) {
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return Enqueue(tx, "vote.accepted", "kept", []byte("{}"))
	}))
	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, Enqueue(tx, "vote.accepted", "rolled-back", []byte("{}")))
		return errors.New("abort")
	})

	var rows []types.OutboxSignal
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "kept", rows[0].Key)
	assert.Nil(t, rows[0].DispatchedAt)
}

func TestDispatchPendingInOrderAndRecordsFailures(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDB(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, Enqueue(db, "t", k, []byte(k)))
	}

	pub := &recordingPublisher{fail: map[string]bool{"b": true}}
	d := NewDispatcher(db, pub, zerolog.Nop(), Options{})

	n, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c"}, pub.published())

	var failed types.OutboxSignal
	require.NoError(t, db.First(&failed, "key = ?", "b").Error)
	assert.Nil(t, failed.DispatchedAt)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "bus down", failed.LastError)

	pub.mu.Lock()
	pub.fail = nil
	pub.mu.Unlock()
	n, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "c", "b"}, pub.published())

	n, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dispatched rows are not sent again")
}

func TestDispatcherLoopAndNudge(t *testing.T) {
	db := testutil.SetupTestDB(t)
	pub := &recordingPublisher{}
	d := NewDispatcher(db, pub, zerolog.Nop(), Options{Interval: time.Hour})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	require.NoError(t, Enqueue(db, "t", "k1", []byte("{}")))
	d.Nudge()
	d.Nudge()

	assert.Eventually(t, func() bool { return len(pub.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDB(t)
	old := time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, db.Create(&types.OutboxSignal{Topic: "t", Key: "old", Payload: []byte("x"), DispatchedAt: &old}).Error)
	require.NoError(t, Enqueue(db, "t", "pending", []byte("x")))

	d := NewDispatcher(db, &recordingPublisher{}, zerolog.Nop(), Options{})
	n, err := d.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var left []types.OutboxSignal
	require.NoError(t, db.Find(&left).Error)
	require.Len(t, left, 1)
	assert.Equal(t, "pending", left[0].Key)
}
