// Package ledger is the immutable record of accepted votes. The unique fingerprint
// index is the last line of defence against double voting.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/outbox"
	"github.com/agaro/votecore/src/voting/signals"
	"github.com/agaro/votecore/src/voting/types"
	"github.com/agaro/votecore/src/voting/wallet"
)

// Entry is a vote to record. The caller has already checked eligibility.
type Entry struct {
	PollID       string
	ChoiceID     string
	Wallet       string
	PollHash     string
	TxHash       string
	BlockNumber  uint64
	Weight       int
	CommitAmount *int64
	Meta         types.RequestMeta
}

// Ledger writes and reads vote rows.
type Ledger struct {
	db    *gorm.DB
	audit *audit.Recorder
	log   zerolog.Logger
	now   func() time.Time
}

// New returns a Ledger. Accepted votes are audited through rec.
func New(db *gorm.DB, rec *audit.Recorder, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:    db,
		audit: rec,
		log:   log.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

// Record inserts the vote, its vote_accepted audit entry and the VoteAccepted outbox
// signal in one transaction. A second vote for the same (poll, wallet) returns
// types.ErrAlreadyVoted and changes nothing.
func (l *Ledger) Record(ctx context.Context, e Entry) (*types.Vote, error) {
	if e.PollID == "" || e.ChoiceID == "" {
		return nil, fmt.Errorf("%w: poll and choice are required", types.ErrInvalidRequest)
	}
	addr, err := wallet.Normalize(e.Wallet)
	if err != nil {
		return nil, err
	}
	fp, err := wallet.Fingerprint(e.PollID, addr)
	if err != nil {
		return nil, err
	}
	if e.Weight <= 0 {
		e.Weight = 1
	}

	v := &types.Vote{
		ID:           uuid.NewString(),
		PollID:       e.PollID,
		ChoiceID:     e.ChoiceID,
		Wallet:       addr,
		Fingerprint:  fp,
		PollHash:     strings.TrimSpace(e.PollHash),
		Weight:       e.Weight,
		CommitAmount: e.CommitAmount,
		VotedAt:      l.now().UTC(),
	}
	if h := strings.TrimSpace(e.TxHash); h != "" {
		v.TxHash = &h
	}
	if s := strings.TrimSpace(e.Meta.ClientSignature); s != "" {
		v.Signature = &s
	}
	if e.BlockNumber > 0 {
		bn := e.BlockNumber
		v.BlockNumber = &bn
	}

	payload, err := signals.Encode(signals.VoteAccepted{
		VoteID:   v.ID,
		PollID:   v.PollID,
		ChoiceID: v.ChoiceID,
		Wallet:   v.Wallet,
		Weight:   v.Weight,
		At:       v.VotedAt,
	})
	if err != nil {
		return nil, err
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(v).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return types.ErrAlreadyVoted
			}
			return fmt.Errorf("ledger: insert vote: %w", err)
		}
		_, err := l.audit.AppendTx(tx, audit.Record{
			Actor: v.Wallet,
			Meta:  e.Meta,
			Payload: audit.VoteAccepted{
				VoteID:      v.ID,
				PollID:      v.PollID,
				ChoiceID:    v.ChoiceID,
				Fingerprint: v.Fingerprint,
				Weight:      v.Weight,
				TxHash:      e.TxHash,
				VotedAt:     v.VotedAt,
			},
		})
		if err != nil {
			return err
		}
		return outbox.Enqueue(tx, signals.TopicVoteAccepted, v.PollID, payload)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Str("vote_id", v.ID).Str("poll_id", v.PollID).Str("choice_id", v.ChoiceID).Msg("vote recorded")
	return v, nil
}

// HasVoted reports whether addr already has a vote in the poll.
func (l *Ledger) HasVoted(ctx context.Context, pollID, addr string) (bool, error) {
	fp, err := wallet.Fingerprint(pollID, addr)
	if err != nil {
		return false, err
	}
	var n int64
	if err := l.db.WithContext(ctx).Model(&types.Vote{}).Where("fingerprint = ?", fp).Count(&n).Error; err != nil {
		return false, fmt.Errorf("ledger: has voted: %w", err)
	}
	return n > 0, nil
}

// GetByVoter returns the vote addr cast in the poll.
func (l *Ledger) GetByVoter(ctx context.Context, pollID, addr string) (*types.Vote, error) {
	fp, err := wallet.Fingerprint(pollID, addr)
	if err != nil {
		return nil, err
	}
	return l.first(ctx, "fingerprint = ?", fp)
}

// Get returns a vote by id.
func (l *Ledger) Get(ctx context.Context, voteID string) (*types.Vote, error) {
	return l.first(ctx, "id = ?", voteID)
}

func (l *Ledger) first(ctx context.Context, query string, arg string) (*types.Vote, error) {
	var v types.Vote
	err := l.db.WithContext(ctx).Where(query, arg).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrVoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get vote: %w", err)
	}
	return &v, nil
}

// CountByPoll returns the number of votes recorded for the poll.
func (l *Ledger) CountByPoll(ctx context.Context, pollID string) (int64, error) {
	var n int64
	if err := l.db.WithContext(ctx).Model(&types.Vote{}).Where("poll_id = ?", pollID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}
