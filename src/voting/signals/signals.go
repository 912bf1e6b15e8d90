// Package signals defines the topics and payloads exchanged over the bus.
package signals

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agaro/votecore/src/voting/types"
)

// Topics.
const (
	TopicVoteAccepted   = "vote.accepted"
	TopicIllegalAttempt = "vote.illegal_attempt"
	TopicStatsUpdated   = "vote.stats_updated"
)

// VoteAccepted is emitted once per committed vote, through the outbox.
type VoteAccepted struct {
	VoteID   string    `json:"voteId"`
	PollID   string    `json:"pollId"`
	ChoiceID string    `json:"choiceId"`
	Wallet   string    `json:"wallet"`
	Weight   int       `json:"weight"`
	At       time.Time `json:"at"`
}

// IllegalAttempt is emitted for every rejected cast except unknown polls.
type IllegalAttempt struct {
	PollID   string            `json:"pollId"`
	ChoiceID string            `json:"choiceId,omitempty"`
	Wallet   string            `json:"wallet"`
	Reason   string            `json:"reason"`
	Kind     types.AttemptKind `json:"kind"`
	Meta     types.RequestMeta `json:"meta"`
	At       time.Time         `json:"at"`
}

// StatsUpdated is emitted after a tally increment commits.
type StatsUpdated struct {
	PollID        string    `json:"pollId"`
	ChoiceID      string    `json:"choiceId"`
	VoteID        string    `json:"voteId"`
	PreviousCount int64     `json:"previousCount"`
	NewCount      int64     `json:"newCount"`
	NewPercentage float64   `json:"newPercentage"`
	TotalVotes    int64     `json:"totalVotes"`
	At            time.Time `json:"at"`
}

// Encode marshals a payload for the bus.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("signals: encode %T: %w", v, err)
	}
	return b, nil
}

// Decode unmarshals a bus payload into v.
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("signals: decode %T: %w", v, err)
	}
	return nil
}
