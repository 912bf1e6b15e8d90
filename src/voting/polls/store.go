// Package polls stores poll definitions. Only the on-chain status, the active flag and
// the text of unvoted choices change after creation.
package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/voting/types"
	"github.com/agaro/votecore/src/voting/wallet"
)

// Store is the poll repository.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get loads a poll with its choices in position order and its allow-list.
// Soft-deleted polls are not found.
func (s *Store) Get(ctx context.Context, pollID string) (*types.Poll, error) {
	var p types.Poll
	err := s.db.WithContext(ctx).
		Preload("Choices", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).
		Preload("Addresses").
		First(&p, "id = ?", pollID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrPollNotFound, pollID)
	}
	if err != nil {
		return nil, fmt.Errorf("polls: get %s: %w", pollID, err)
	}
	return &p, nil
}

// Create validates and stores p with its choices and allow-list in one transaction.
// Missing ids are generated; wallets are stored normalised.
func (s *Store) Create(ctx context.Context, p *types.Poll) error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: poll title is empty", types.ErrInvalidRequest)
	}
	if !p.StartsAt.Before(p.EndsAt) {
		return types.ErrInvalidWindow
	}
	if len(p.Choices) < 2 {
		return fmt.Errorf("%w: a poll needs at least two choices", types.ErrInvalidRequest)
	}
	creator, err := wallet.Normalize(p.CreatorWallet)
	if err != nil {
		return err
	}
	p.CreatorWallet = creator

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.TxStatus == "" {
		p.TxStatus = types.TxPending
	}
	for i := range p.Choices {
		c := &p.Choices[i]
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: choice %d has no text", types.ErrInvalidRequest, i+1)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.PollID = p.ID
		c.Position = i
	}
	seen := make(map[string]bool, len(p.Addresses))
	addrs := p.Addresses[:0]
	for _, a := range p.Addresses {
		norm, err := wallet.Normalize(a.Wallet)
		if err != nil {
			return err
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		addrs = append(addrs, types.PollAddress{PollID: p.ID, Wallet: norm})
	}
	p.Addresses = addrs

	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("polls: create: %w", err)
	}
	return nil
}

// UpdateTransactionStatus records the on-chain confirmation outcome.
func (s *Store) UpdateTransactionStatus(ctx context.Context, pollID string, status types.TxStatus, pollHash string) error {
	switch status {
	case types.TxPending, types.TxSuccess, types.TxFailed:
	default:
		return fmt.Errorf("%w: unknown transaction status %q", types.ErrInvalidRequest, status)
	}
	updates := map[string]interface{}{"tx_status": status}
	if pollHash != "" {
		updates["poll_hash"] = pollHash
	}
	return s.update(ctx, pollID, updates)
}

// SetActive turns voting on or off without touching the window.
func (s *Store) SetActive(ctx context.Context, pollID string, active bool) error {
	return s.update(ctx, pollID, map[string]interface{}{"is_active": active})
}

func (s *Store) update(ctx context.Context, pollID string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&types.Poll{}).Where("id = ?", pollID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("polls: update %s: %w", pollID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", types.ErrPollNotFound, pollID)
	}
	return nil
}

// UpdateChoiceText renames a choice. Refused once any vote references it.
func (s *Store) UpdateChoiceText(ctx context.Context, choiceID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: choice text is empty", types.ErrInvalidRequest)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var votes int64
		if err := tx.Model(&types.Vote{}).Where("choice_id = ?", choiceID).Count(&votes).Error; err != nil {
			return fmt.Errorf("polls: count votes: %w", err)
		}
		if votes > 0 {
			return types.ErrChoiceLocked
		}
		res := tx.Model(&types.Choice{}).Where("id = ?", choiceID).Update("text", text)
		if res.Error != nil {
			return fmt.Errorf("polls: update choice: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: choice %s", types.ErrInvalidChoice, choiceID)
		}
		return nil
	})
}

// SoftDelete hides a poll from reads. Votes, tallies and audit entries are kept.
func (s *Store) SoftDelete(ctx context.Context, pollID string) error {
	res := s.db.WithContext(ctx).Delete(&types.Poll{}, "id = ?", pollID)
	if res.Error != nil {
		return fmt.Errorf("polls: delete %s: %w", pollID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", types.ErrPollNotFound, pollID)
	}
	return nil
}
