package testutil

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/data"
	"github.com/agaro/votecore/src/voting/types"
)

// Wallets used across tests. All are valid EVM addresses.
const (
	Creator = "0x00000000000000000000000000000000000000c1"
	WalletA = "0x00000000000000000000000000000000000000a1"
	WalletB = "0x00000000000000000000000000000000000000b1"
	WalletC = "0x00000000000000000000000000000000000000d1"
)

// SetupTestDB opens a fresh SQLite database with the full schema. A single connection
// serialises writers the way row locks would on MySQL.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "votecore.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), data.GormConfig(io.Discard))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := data.Migrate(db); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

// PollOption adjusts a poll before it is stored.
type PollOption func(p *types.Poll)

// WithWindow sets the voting window.
func WithWindow(start, end time.Time) PollOption {
	return func(p *types.Poll) {
		p.StartsAt = start
		p.EndsAt = end
	}
}

// WithAllowList restricts the poll to the given wallets.
func WithAllowList(wallets ...string) PollOption {
	return func(p *types.Poll) {
		for _, w := range wallets {
			p.Addresses = append(p.Addresses, types.PollAddress{Wallet: w})
		}
	}
}

// Private marks the poll private.
func Private() PollOption {
	return func(p *types.Poll) { p.IsPrivate = true }
}

// WithStatus overrides the on-chain status and active flag.
func WithStatus(status types.TxStatus, active bool) PollOption {
	return func(p *types.Poll) {
		p.TxStatus = status
		p.IsActive = active
	}
}

// CreateTestPoll stores an open, confirmed, active poll with the given number of
// choices and returns it with choices loaded in position order.
func CreateTestPoll(t *testing.T, db *gorm.DB, choices int, opts ...PollOption) *types.Poll {
	t.Helper()

	now := time.Now()
	p := &types.Poll{
		ID:            uuid.NewString(),
		Title:         "Test Poll",
		CreatorWallet: Creator,
		StartsAt:      now.Add(-time.Hour),
		EndsAt:        now.Add(time.Hour),
		IsActive:      true,
		TxStatus:      types.TxSuccess,
	}
	for i := 0; i < choices; i++ {
		p.Choices = append(p.Choices, types.Choice{
			ID:       uuid.NewString(),
			Text:     fmt.Sprintf("Choice %d", i+1),
			Position: i,
		})
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := db.Create(p).Error; err != nil {
		t.Fatalf("Failed to create test poll: %v", err)
	}
	return p
}
