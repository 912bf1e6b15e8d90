package casting

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

	"github.com/agaro/votecore/src/bus"
	"github.com/agaro/votecore/src/testutil"
	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/eligibility"
	"github.com/agaro/votecore/src/voting/ledger"
	"github.com/agaro/votecore/src/voting/monitor"
	"github.com/agaro/votecore/src/voting/outbox"
	"github.com/agaro/votecore/src/voting/polls"
	"github.com/agaro/votecore/src/voting/tally"
	"github.com/agaro/votecore/src/voting/types"
)

type fixture struct {
	db     *gorm.DB
	rec    *audit.Recorder
	ledger *ledger.Ledger
	tally  *tally.Store
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	rec := audit.NewRecorder(db, zerolog.Nop())
	mon, err := monitor.New(rec, nil, zerolog.Nop(), monitor.Options{})
	require.NoError(t, err)
	l := ledger.New(db, rec, zerolog.Nop())
	return &fixture{
		db:     db,
		rec:    rec,
		ledger: l,
		tally:  tally.NewStore(db),
		orch:   New(polls.NewStore(db), l, rec, mon, zerolog.Nop(), Options{}),
	}
}

// pipeline starts the asynchronous tally path: outbox, bus and worker.
func (f *fixture) pipeline(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	b := bus.NewMemory(bus.Options{Logger: zerolog.Nop(), RedeliverAfter: 10 * time.Millisecond})
	w := tally.NewWorker(f.tally, f.rec, b, zerolog.Nop(), tally.WorkerOptions{Partitions: 2, BaseBackoff: time.Millisecond})
	require.NoError(t, w.Subscribe(b))
	require.NoError(t, w.Start(ctx))
	d := outbox.NewDispatcher(f.db, b, zerolog.Nop(), outbox.Options{Interval: 10 * time.Millisecond})
	require.NoError(t, d.Start(ctx))
	f.orch.opts.Outbox = d

	t.Cleanup(func() {
		_ = d.Stop(ctx)
		_ = b.Stop(ctx)
		_ = w.Stop(ctx)
	})
}

func (f *fixture) cast(poll *types.Poll, choice int, addr string) (*types.Vote, error) {
	return f.orch.CastVote(context.Background(), Request{
		PollID:   poll.ID,
		ChoiceID: poll.Choices[choice].ID,
		Wallet:   addr,
	})
}

func (f *fixture) security(t *testing.T) []types.AuditEntry {
	t.Helper()
	entries, err := f.rec.SecurityEvents(context.Background(), 100)
	require.NoError(t, err)
	return entries
}

func TestThreeVotesProduceExpectedTally(t *testing.T) {
	f := newFixture(t)
	f.pipeline(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	for i, addr := range []string{testutil.WalletA, testutil.WalletB, testutil.WalletC} {
		choice := 0
		if i == 2 {
			choice = 1
		}
		v, err := f.cast(poll, choice, addr)
		require.NoError(t, err)
		assert.Equal(t, addr, v.Wallet)
	}

	require.Eventually(t, func() bool {
		lines, err := f.tally.GetTally(context.Background(), poll.ID)
		return err == nil && lines[0].Count == 2 && lines[1].Count == 1 && lines[1].Percentage == 33.33
	}, 5*time.Second, 20*time.Millisecond)

	lines, err := f.tally.GetTally(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.Equal(t, 66.67, lines[0].Percentage)
	assert.Equal(t, 33.33, lines[1].Percentage)
}

func TestVoteInFlightAtShutdownIsTalliedAfterRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	// The worker is subscribed but its lanes never run, so the signal is still in
	// flight when the bus stops.
	b := bus.NewMemory(bus.Options{Logger: zerolog.Nop(), RedeliverAfter: time.Hour})
	w := tally.NewWorker(f.tally, f.rec, b, zerolog.Nop(), tally.WorkerOptions{Partitions: 2})
	require.NoError(t, w.Subscribe(b))
	d := outbox.NewDispatcher(f.db, b, zerolog.Nop(), outbox.Options{})

	_, err := f.cast(poll, 0, testutil.WalletA)
	require.NoError(t, err)
	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	require.NoError(t, b.Stop(ctx))
	require.NoError(t, w.Stop(ctx))

	var pending int64
	require.NoError(t, f.db.Model(&types.OutboxSignal{}).Where("dispatched_at IS NULL").Count(&pending).Error)
	assert.Zero(t, pending)
	lines, err := f.tally.GetTally(ctx, poll.ID)
	require.NoError(t, err)
	assert.Zero(t, lines[0].Count)

	b2 := bus.NewMemory(bus.Options{Logger: zerolog.Nop()})
	w2 := tally.NewWorker(f.tally, f.rec, b2, zerolog.Nop(), tally.WorkerOptions{Partitions: 2, ReconcileInterval: time.Hour})
	require.NoError(t, w2.Subscribe(b2))
	require.NoError(t, w2.Start(ctx))
	t.Cleanup(func() {
		_ = b2.Stop(ctx)
		_ = w2.Stop(ctx)
	})
	sent, err = outbox.NewDispatcher(f.db, b2, zerolog.Nop(), outbox.Options{}).DispatchPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	require.Eventually(t, func() bool {
		lines, err := f.tally.GetTally(ctx, poll.ID)
		return err == nil && lines[0].Count == 1 && lines[0].Percentage == 100
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, total, err := f.rec.Query(ctx, audit.Filter{Action: types.ActionStatsUpdated}, audit.Page{})
		return err == nil && total == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRetryOfSameVoteCountsOnce(t *testing.T) {
	f := newFixture(t)
	f.pipeline(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	first, err := f.cast(poll, 0, testutil.WalletA)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.cast(poll, 0, testutil.WalletA)
	assert.ErrorIs(t, err, types.ErrAlreadyVoted)
	assert.Nil(t, second)

	require.Eventually(t, func() bool {
		lines, err := f.tally.GetTally(context.Background(), poll.ID)
		return err == nil && lines[0].Count == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Give any stray signal a chance to land before checking it did not.
	time.Sleep(100 * time.Millisecond)
	lines, err := f.tally.GetTally(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, lines[0].Count)
	assert.Equal(t, 100.0, lines[0].Percentage)

	events := f.security(t)
	require.Len(t, events, 1)
	assert.Equal(t, types.ActionIllegalAttempt, events[0].Action)
	assert.Equal(t, types.SeverityMedium, events[0].Severity)
}

func TestConcurrentCastsSameWalletOneWins(t *testing.T) {
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dups      int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.cast(poll, i%2, testutil.WalletA)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, types.ErrAlreadyVoted):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, dups)

	n, err := f.ledger.CountByPoll(context.Background(), poll.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPrivateAllowListRejectsOutsider(t *testing.T) {
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2, testutil.Private(), testutil.WithAllowList(testutil.WalletA, testutil.WalletB))

	_, err := f.cast(poll, 0, testutil.WalletC)
	var inel *types.IneligibleError
	require.ErrorAs(t, err, &inel)
	assert.Equal(t, string(eligibility.ReasonNotInvited), inel.Reason)
	assert.ErrorIs(t, err, types.ErrNotEligible)

	events := f.security(t)
	require.Len(t, events, 1)
	assert.Equal(t, types.ActionIllegalAttempt, events[0].Action)
	assert.Equal(t, types.SeverityLow, events[0].Severity)
	assert.Equal(t, testutil.WalletC, events[0].Actor)

	_, err = f.cast(poll, 0, testutil.WalletB)
	assert.NoError(t, err)
}

func TestTimingRejectionIsNotIllegal(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	poll := testutil.CreateTestPoll(t, f.db, 2, testutil.WithWindow(now.Add(-2*time.Hour), now.Add(-time.Hour)))

	_, err := f.cast(poll, 0, testutil.WalletA)
	var inel *types.IneligibleError
	require.ErrorAs(t, err, &inel)
	assert.Equal(t, string(eligibility.ReasonClosed), inel.Reason)

	events := f.security(t)
	require.Len(t, events, 1)
	assert.Equal(t, types.ActionVoteRejected, events[0].Action)

	n, err := f.rec.CountIllegalAttempts(context.Background(), testutil.WalletA)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForeignChoiceIsInvalidChoice(t *testing.T) {
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)
	other := testutil.CreateTestPoll(t, f.db, 2)

	_, err := f.orch.CastVote(context.Background(), Request{
		PollID:   poll.ID,
		ChoiceID: other.Choices[0].ID,
		Wallet:   testutil.WalletA,
	})
	assert.ErrorIs(t, err, types.ErrInvalidChoice)

	events := f.security(t)
	require.Len(t, events, 1)
	assert.Equal(t, types.ActionIllegalAttempt, events[0].Action)
}

func TestUnknownPollIsNotAudited(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.CastVote(context.Background(), Request{PollID: "missing", ChoiceID: "c1", Wallet: testutil.WalletA})
	assert.ErrorIs(t, err, types.ErrPollNotFound)
	assert.Empty(t, f.security(t))
}

func TestRejectedSignatureIsHighSeverity(t *testing.T) {
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	_, err := f.orch.CastVote(context.Background(), Request{
		PollID:   poll.ID,
		ChoiceID: poll.Choices[0].ID,
		Wallet:   testutil.WalletA,
		Meta:     types.RequestMeta{SignatureRejected: true, OriginAddress: "203.0.113.9", ClientSignature: "0xdead"},
	})
	var inel *types.IneligibleError
	require.ErrorAs(t, err, &inel)
	assert.Equal(t, ReasonSignatureRejected, inel.Reason)

	events := f.security(t)
	require.Len(t, events, 1)
	assert.Equal(t, types.SeverityHigh, events[0].Severity)
	assert.Equal(t, "203.0.113.9", events[0].OriginAddress)
	assert.Equal(t, "0xdead", events[0].ClientSignature)

	voted, err := f.ledger.HasVoted(context.Background(), poll.ID, testutil.WalletA)
	require.NoError(t, err)
	assert.False(t, voted)
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	_, err := f.orch.CastVote(context.Background(), Request{PollID: poll.ID, Wallet: testutil.WalletA})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = f.orch.CastVote(context.Background(), Request{PollID: poll.ID, ChoiceID: poll.Choices[0].ID, Wallet: "0x123"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.Empty(t, f.security(t))
}

func TestAcceptedVoteIsAudited(t *testing.T) {
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	v, err := f.orch.CastVote(context.Background(), Request{
		PollID:   poll.ID,
		ChoiceID: poll.Choices[1].ID,
		Wallet:   testutil.WalletB,
		TxHash:   "0xfeed",
		Meta:     types.RequestMeta{UserAgent: "wallet-app/2.1"},
	})
	require.NoError(t, err)

	history, err := f.rec.BySubject(context.Background(), types.SubjectVote, v.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ActionVoteAccepted, history[0].Action)
	assert.Equal(t, "wallet-app/2.1", history[0].UserAgent)

	p, err := audit.Decode(&history[0])
	require.NoError(t, err)
	accepted := p.(audit.VoteAccepted)
	assert.Equal(t, poll.Choices[1].ID, accepted.ChoiceID)
	assert.Equal(t, v.Fingerprint, accepted.Fingerprint)
}

func TestCheckEligibilityHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2, testutil.WithAllowList(testutil.WalletA))

	res, err := f.orch.CheckEligibility(context.Background(), poll.ID, testutil.WalletB, "")
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.Equal(t, eligibility.ReasonNotInvited, res.Reason)

	res, err = f.orch.CheckEligibility(context.Background(), poll.ID, testutil.WalletA, poll.Choices[0].ID)
	require.NoError(t, err)
	assert.True(t, res.Eligible)

	_, err = f.orch.CheckEligibility(context.Background(), "missing", testutil.WalletA, "")
	assert.ErrorIs(t, err, types.ErrPollNotFound)
	assert.Empty(t, f.security(t))
}

func TestRecordVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	poll := testutil.CreateTestPoll(t, f.db, 2)

	v, err := f.orch.CastVote(ctx, Request{PollID: poll.ID, ChoiceID: poll.Choices[0].ID, Wallet: testutil.WalletA, TxHash: "0xaaa"})
	require.NoError(t, err)

	entry, err := f.orch.RecordVerification(ctx, Verification{VoteID: v.ID, TxHash: "0xbbb", BlockNumber: 1200, Verified: false})
	require.NoError(t, err)
	assert.Equal(t, types.ActionVoteVerified, entry.Action)
	assert.Equal(t, types.SystemActor, entry.Actor)

	p, err := audit.Decode(entry)
	require.NoError(t, err)
	ver := p.(audit.Verification)
	assert.False(t, ver.Verified)
	assert.Contains(t, ver.Note, "0xaaa")

	_, err = f.orch.RecordVerification(ctx, Verification{VoteID: "missing"})
	assert.ErrorIs(t, err, types.ErrVoteNotFound)
}
