package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agaro/votecore/src/voting/types"
)

// Payload is the typed body of an audit entry. Each action has exactly one payload type.
type Payload interface {
	Action() types.AuditAction
	subject() (types.SubjectType, string)
	snapshots() (before, after any)
}

// VoteAccepted is written in the same transaction as the vote itself.
type VoteAccepted struct {
	VoteID      string    `json:"voteId"`
	PollID      string    `json:"pollId"`
	ChoiceID    string    `json:"choiceId"`
	Fingerprint string    `json:"fingerprint"`
	Weight      int       `json:"weight"`
	TxHash      string    `json:"txHash,omitempty"`
	VotedAt     time.Time `json:"votedAt"`
}

func (VoteAccepted) Action() types.AuditAction { return types.ActionVoteAccepted }

func (p VoteAccepted) subject() (types.SubjectType, string) { return types.SubjectVote, p.VoteID }

func (p VoteAccepted) snapshots() (any, any) { return nil, p }

// IllegalAttempt records a rejected cast. Timing rejections are kept as vote_rejected,
// everything else as illegal_attempt.
type IllegalAttempt struct {
	PollID   string            `json:"pollId"`
	ChoiceID string            `json:"choiceId,omitempty"`
	Reason   string            `json:"reason"`
	Kind     types.AttemptKind `json:"kind"`
	Severity types.Severity    `json:"severity"`
	// Repeat counts recent duplicates from the same wallet in the same poll.
	Repeat int `json:"repeat,omitempty"`
}

func (p IllegalAttempt) Action() types.AuditAction {
	if p.Kind == types.AttemptTiming {
		return types.ActionVoteRejected
	}
	return types.ActionIllegalAttempt
}

func (p IllegalAttempt) subject() (types.SubjectType, string) { return types.SubjectPoll, p.PollID }

func (p IllegalAttempt) snapshots() (any, any) { return nil, p }

// TallySnapshot is the observable state of one tally row.
type TallySnapshot struct {
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// StatsUpdated captures one increment of a tally row.
type StatsUpdated struct {
	TallyID    string        `json:"tallyId"`
	PollID     string        `json:"pollId"`
	ChoiceID   string        `json:"choiceId"`
	VoteID     string        `json:"voteId"`
	Before     TallySnapshot `json:"before"`
	After      TallySnapshot `json:"after"`
	TotalVotes int64         `json:"totalVotes"`
}

func (StatsUpdated) Action() types.AuditAction { return types.ActionStatsUpdated }

func (p StatsUpdated) subject() (types.SubjectType, string) { return types.SubjectTally, p.TallyID }

func (p StatsUpdated) snapshots() (any, any) {
	after := p
	after.Before = TallySnapshot{}
	return p.Before, after
}

// Verification records an on-chain confirmation check for a vote.
type Verification struct {
	VoteID      string `json:"voteId"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Verified    bool   `json:"verified"`
	Note        string `json:"note,omitempty"`
}

func (Verification) Action() types.AuditAction { return types.ActionVoteVerified }

func (p Verification) subject() (types.SubjectType, string) { return types.SubjectVote, p.VoteID }

func (p Verification) snapshots() (any, any) { return nil, p }

// Decode returns the typed payload stored in e.
func Decode(e *types.AuditEntry) (Payload, error) {
	switch e.Action {
	case types.ActionVoteAccepted:
		var p VoteAccepted
		return p, unmarshal(e.After, &p)
	case types.ActionIllegalAttempt, types.ActionVoteRejected:
		var p IllegalAttempt
		return p, unmarshal(e.After, &p)
	case types.ActionStatsUpdated:
		var p StatsUpdated
		if err := unmarshal(e.After, &p); err != nil {
			return nil, err
		}
		if err := unmarshal(e.Before, &p.Before); err != nil {
			return nil, err
		}
		return p, nil
	case types.ActionVoteVerified:
		var p Verification
		return p, unmarshal(e.After, &p)
	}
	return nil, fmt.Errorf("audit: unknown action %q", e.Action)
}

func unmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("audit: decode payload: %w", err)
	}
	return nil
}
