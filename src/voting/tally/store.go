// Package tally keeps per-choice running counts and percentages. Counts are guarded by
// an optimistic version check; each vote is applied at most once.
package tally

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/voting/types"
)

// Increment names the vote to apply.
type Increment struct {
	VoteID   string
	PollID   string
	ChoiceID string
	At       time.Time
}

// Applied is the outcome of a successful increment.
type Applied struct {
	Tally         types.VoteTally
	PreviousCount int64
	// PreviousPercentage is the percentage before the recompute that follows.
	PreviousPercentage float64
}

// ChoiceTally is one line of a poll's result.
type ChoiceTally struct {
	ChoiceID   string     `json:"choiceId"`
	Text       string     `json:"text"`
	Position   int        `json:"position"`
	Count      int64      `json:"count"`
	Percentage float64    `json:"percentage"`
	LastVoteAt *time.Time `json:"lastVoteAt,omitempty"`
}

// Store reads and writes tally rows.
type Store struct {
	db  *gorm.DB
	now func() time.Time
	// beforeWrite runs between the read and the conditional write. Tests use it to
	// simulate a concurrent writer.
	beforeWrite func(tx *gorm.DB, row *types.VoteTally) error
}

// NewStore returns a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Increment adds one to the (poll, choice) row, creating it if needed. The write only
// lands if the row version is unchanged since it was read (types.ErrVersionConflict
// otherwise). A vote that was already applied returns types.ErrAlreadyApplied.
func (s *Store) Increment(ctx context.Context, inc Increment) (*Applied, error) {
	if inc.At.IsZero() {
		inc.At = s.now()
	}
	var out Applied
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findOrCreate(tx, inc.PollID, inc.ChoiceID)
		if err != nil {
			return err
		}

		mark := &types.TallyApplication{
			VoteID:    inc.VoteID,
			PollID:    inc.PollID,
			ChoiceID:  inc.ChoiceID,
			AppliedAt: s.now().UTC(),
		}
		if err := tx.Create(mark).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return types.ErrAlreadyApplied
			}
			return fmt.Errorf("tally: mark applied: %w", err)
		}

		if s.beforeWrite != nil {
			if err := s.beforeWrite(tx, row); err != nil {
				return err
			}
		}

		at := inc.At.UTC()
		res := tx.Model(&types.VoteTally{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Updates(map[string]interface{}{
				"count":        gorm.Expr("count + 1"),
				"version":      gorm.Expr("version + 1"),
				"last_vote_at": at,
				"updated_at":   s.now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("tally: increment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.ErrVersionConflict
		}

		out.PreviousCount = row.Count
		out.PreviousPercentage = row.Percentage
		out.Tally = *row
		out.Tally.Count = row.Count + 1
		out.Tally.Version = row.Version + 1
		out.Tally.LastVoteAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func findOrCreate(tx *gorm.DB, pollID, choiceID string) (*types.VoteTally, error) {
	var row types.VoteTally
	err := tx.Where("poll_id = ? AND choice_id = ?", pollID, choiceID).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("tally: load row: %w", err)
	}

	row = types.VoteTally{ID: uuid.NewString(), PollID: pollID, ChoiceID: choiceID}
	if err := tx.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another writer created it first; re-reading on retry picks it up.
			return nil, types.ErrVersionConflict
		}
		return nil, fmt.Errorf("tally: create row: %w", err)
	}
	return &row, nil
}

// Percentage is count/total as a percentage rounded to two decimals, or 0 when total is 0.
func Percentage(count, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(count)*10000/float64(total)) / 100
}

// RecomputePercentages rewrites the percentage of every tally row in the poll from the
// current counts and returns the rows and the poll total. Callers must not run two
// recomputes for the same poll concurrently.
func (s *Store) RecomputePercentages(ctx context.Context, pollID string) ([]types.VoteTally, int64, error) {
	var rows []types.VoteTally
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("poll_id = ?", pollID).Order("choice_id ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("tally: load poll rows: %w", err)
		}
		var total int64
		for _, r := range rows {
			total += r.Count
		}
		for i := range rows {
			pct := Percentage(rows[i].Count, total)
			if pct == rows[i].Percentage {
				continue
			}
			err := tx.Model(&types.VoteTally{}).Where("id = ?", rows[i].ID).
				Updates(map[string]interface{}{
					"percentage": pct,
					"version":    gorm.Expr("version + 1"),
					"updated_at": s.now().UTC(),
				}).Error
			if err != nil {
				return fmt.Errorf("tally: write percentage: %w", err)
			}
			rows[i].Percentage = pct
			rows[i].Version++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, r := range rows {
		total += r.Count
	}
	return rows, total, nil
}

// Unapplied returns up to limit ledger votes cast before the cutoff that have no tally
// application, oldest first.
func (s *Store) Unapplied(ctx context.Context, before time.Time, limit int) ([]Increment, error) {
	var votes []types.Vote
	err := s.db.WithContext(ctx).
		Model(&types.Vote{}).
		Select("votes.id, votes.poll_id, votes.choice_id, votes.voted_at").
		Joins("LEFT JOIN tally_applications ON tally_applications.vote_id = votes.id").
		Where("tally_applications.vote_id IS NULL AND votes.voted_at < ?", before.UTC()).
		Order("votes.voted_at ASC").
		Limit(limit).
		Find(&votes).Error
	if err != nil {
		return nil, fmt.Errorf("tally: load unapplied votes: %w", err)
	}
	out := make([]Increment, 0, len(votes))
	for _, v := range votes {
		out = append(out, Increment{VoteID: v.ID, PollID: v.PollID, ChoiceID: v.ChoiceID, At: v.VotedAt})
	}
	return out, nil
}

// ListByPoll returns the stored rows of a poll.
func (s *Store) ListByPoll(ctx context.Context, pollID string) ([]types.VoteTally, error) {
	var rows []types.VoteTally
	if err := s.db.WithContext(ctx).Where("poll_id = ?", pollID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tally: list: %w", err)
	}
	return rows, nil
}

// GetTally returns one line per choice of the poll in position order. Choices without
// votes report zero.
func (s *Store) GetTally(ctx context.Context, pollID string) ([]ChoiceTally, error) {
	var poll types.Poll
	err := s.db.WithContext(ctx).
		Preload("Choices", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).
		First(&poll, "id = ?", pollID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrPollNotFound, pollID)
	}
	if err != nil {
		return nil, fmt.Errorf("tally: load poll: %w", err)
	}

	rows, err := s.ListByPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	byChoice := make(map[string]types.VoteTally, len(rows))
	for _, r := range rows {
		byChoice[r.ChoiceID] = r
	}

	out := make([]ChoiceTally, 0, len(poll.Choices))
	for _, c := range poll.Choices {
		line := ChoiceTally{ChoiceID: c.ID, Text: c.Text, Position: c.Position}
		if r, ok := byChoice[c.ID]; ok {
			line.Count = r.Count
			line.Percentage = r.Percentage
			line.LastVoteAt = r.LastVoteAt
		}
		out = append(out, line)
	}
	return out, nil
}
