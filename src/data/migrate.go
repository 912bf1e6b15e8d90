package data

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/agaro/votecore/src/voting/types"
)

var allModels = []interface{}{
	&types.Setting{},
	&types.Poll{}, &types.Choice{}, &types.PollAddress{},
	&types.Vote{}, &types.VoteTally{}, &types.TallyApplication{},
	&types.AuditEntry{}, &types.OutboxSignal{},
}

// Migrate creates or updates every table. The unique indexes on votes.fingerprint and
// vote_tallies(poll_id, choice_id) carry correctness, so a failed migration is fatal.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}
