// Package casting sequences a vote submission: eligibility, ledger write and handoff of
// the accepted vote to the tally pipeline. Rejections go to the illegal attempt monitor.
package casting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agaro/votecore/src/metrics"
	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/eligibility"
	"github.com/agaro/votecore/src/voting/ledger"
	"github.com/agaro/votecore/src/voting/monitor"
	"github.com/agaro/votecore/src/voting/signals"
	"github.com/agaro/votecore/src/voting/types"
	"github.com/agaro/votecore/src/voting/wallet"
)

// ReasonSignatureRejected is reported when the authentication layer flagged the
// request's signature.
const ReasonSignatureRejected = "signature rejected"

// Vote cast outcomes as counted in metrics.
const (
	outcomeAccepted      = "accepted"
	outcomeDuplicate     = "duplicate"
	outcomeIneligible    = "ineligible"
	outcomeInvalidChoice = "invalid_choice"
	outcomeNotFound      = "not_found"
	outcomeForgery       = "forgery"
	outcomeError         = "error"
)

type pollSource interface {
	Get(ctx context.Context, pollID string) (*types.Poll, error)
}

type nudger interface {
	Nudge()
}

// Request is one vote submission. Wallet is the authenticated caller.
type Request struct {
	PollID       string
	ChoiceID     string
	Wallet       string
	TxHash       string
	BlockNumber  uint64
	Weight       int
	CommitAmount *int64
	Meta         types.RequestMeta
}

// Options wire optional collaborators.
type Options struct {
	// Outbox is nudged after each accepted vote so the signal leaves without waiting
	// for the next tick.
	Outbox  nudger
	Metrics *metrics.Collector
}

// Orchestrator is the vote command handler.
type Orchestrator struct {
	polls    pollSource
	ledger   *ledger.Ledger
	audit    *audit.Recorder
	reporter monitor.Reporter
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// New creates an Orchestrator.
func New(polls pollSource, l *ledger.Ledger, rec *audit.Recorder, reporter monitor.Reporter, log zerolog.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		polls:    polls,
		ledger:   l,
		audit:    rec,
		reporter: reporter,
		opts:     opts,
		log:      log.With().Str("component", "casting").Logger(),
		now:      time.Now,
	}
}

// CastVote records req and returns the stored vote. Failures are types.ErrPollNotFound,
// types.ErrInvalidChoice, *types.IneligibleError (wrapping types.ErrNotEligible),
// types.ErrAlreadyVoted, types.ErrInvalidRequest or a storage error. The tally is
// updated asynchronously.
func (o *Orchestrator) CastVote(ctx context.Context, req Request) (*types.Vote, error) {
	if strings.TrimSpace(req.PollID) == "" || strings.TrimSpace(req.ChoiceID) == "" {
		return nil, fmt.Errorf("%w: poll and choice are required", types.ErrInvalidRequest)
	}
	addr, err := wallet.Normalize(req.Wallet)
	if err != nil {
		return nil, err
	}

	p, err := o.polls.Get(ctx, req.PollID)
	if err != nil {
		if errors.Is(err, types.ErrPollNotFound) {
			o.opts.Metrics.VoteCast(outcomeNotFound)
		} else {
			o.opts.Metrics.VoteCast(outcomeError)
		}
		return nil, err
	}

	if req.Meta.SignatureRejected {
		o.opts.Metrics.VoteCast(outcomeForgery)
		o.report(ctx, req, addr, types.AttemptForgery, ReasonSignatureRejected)
		return nil, &types.IneligibleError{Reason: ReasonSignatureRejected, Message: ReasonSignatureRejected}
	}

	res := eligibility.Evaluate(p, addr, req.ChoiceID, o.now())
	if !res.Eligible {
		kind := types.AttemptTiming
		if res.Reason.IsPolicyViolation() {
			kind = types.AttemptPolicy
		}
		o.report(ctx, req, addr, kind, res.Message)
		if res.Reason == eligibility.ReasonInvalidChoice {
			o.opts.Metrics.VoteCast(outcomeInvalidChoice)
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidChoice, req.ChoiceID)
		}
		o.opts.Metrics.VoteCast(outcomeIneligible)
		return nil, &types.IneligibleError{Reason: string(res.Reason), Message: res.Message}
	}

	// Fast path only. The unique fingerprint index decides races.
	voted, err := o.ledger.HasVoted(ctx, p.ID, addr)
	if err != nil {
		o.opts.Metrics.VoteCast(outcomeError)
		return nil, err
	}
	if voted {
		return nil, o.duplicate(ctx, req, addr)
	}

	v, err := o.ledger.Record(ctx, ledger.Entry{
		PollID:       p.ID,
		ChoiceID:     req.ChoiceID,
		Wallet:       addr,
		PollHash:     p.PollHash,
		TxHash:       req.TxHash,
		BlockNumber:  req.BlockNumber,
		Weight:       req.Weight,
		CommitAmount: req.CommitAmount,
		Meta:         req.Meta,
	})
	if errors.Is(err, types.ErrAlreadyVoted) {
		return nil, o.duplicate(ctx, req, addr)
	}
	if err != nil {
		o.opts.Metrics.VoteCast(outcomeError)
		return nil, err
	}

	if o.opts.Outbox != nil {
		o.opts.Outbox.Nudge()
	}
	o.opts.Metrics.VoteCast(outcomeAccepted)
	return v, nil
}

func (o *Orchestrator) duplicate(ctx context.Context, req Request, addr string) error {
	o.opts.Metrics.VoteCast(outcomeDuplicate)
	o.report(ctx, req, addr, types.AttemptDuplicate, types.ErrAlreadyVoted.Error())
	return types.ErrAlreadyVoted
}

func (o *Orchestrator) report(ctx context.Context, req Request, addr string, kind types.AttemptKind, reason string) {
	o.log.Debug().
		Str("poll_id", req.PollID).
		Str("wallet", addr).
		Str("kind", string(kind)).
		Str("reason", reason).
		Msg("vote rejected")
	if o.reporter == nil {
		return
	}
	o.reporter.OnIllegalAttempt(ctx, signals.IllegalAttempt{
		PollID:   req.PollID,
		ChoiceID: req.ChoiceID,
		Wallet:   addr,
		Reason:   reason,
		Kind:     kind,
		Meta:     req.Meta,
		At:       o.now().UTC(),
	})
}

// CheckEligibility evaluates whether addr could vote now. choiceID may be empty. It has
// no side effects; an unknown poll returns types.ErrPollNotFound.
func (o *Orchestrator) CheckEligibility(ctx context.Context, pollID, addr, choiceID string) (eligibility.Result, error) {
	norm, err := wallet.Normalize(addr)
	if err != nil {
		return eligibility.Result{}, err
	}
	p, err := o.polls.Get(ctx, pollID)
	if err != nil {
		return eligibility.Result{}, err
	}
	return eligibility.Evaluate(p, norm, choiceID, o.now()), nil
}

// Verification is the outcome of an on-chain check of a recorded vote.
type Verification struct {
	VoteID      string
	TxHash      string
	BlockNumber uint64
	Verified    bool
}

// RecordVerification appends a vote_verified entry for an existing vote. A hash that
// differs from the one recorded with the vote is noted on the entry.
func (o *Orchestrator) RecordVerification(ctx context.Context, in Verification) (*types.AuditEntry, error) {
	v, err := o.ledger.Get(ctx, in.VoteID)
	if err != nil {
		return nil, err
	}

	var note string
	if v.TxHash != nil && in.TxHash != "" && !strings.EqualFold(*v.TxHash, in.TxHash) {
		note = "tx hash differs from recorded " + *v.TxHash
	}
	entry, err := o.audit.Append(ctx, audit.Record{
		Actor: types.SystemActor,
		Payload: audit.Verification{
			VoteID:      v.ID,
			TxHash:      in.TxHash,
			BlockNumber: in.BlockNumber,
			Verified:    in.Verified,
			Note:        note,
		},
	})
	if err != nil {
		return nil, err
	}
	o.log.Info().Str("vote_id", v.ID).Bool("verified", in.Verified).Msg("vote verification recorded")
	return entry, nil
}
