package types

import (
	"time"

	"gorm.io/gorm"
)

// TxStatus is the on-chain confirmation state of a poll.
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// Polls
type Poll struct {
	ID            string        `gorm:"primaryKey;size:36"`
	Title         string        `gorm:"size:255;not null"`
	CreatorWallet string        `gorm:"size:128;not null;index"`
	StartsAt      time.Time     `gorm:"not null"`
	EndsAt        time.Time     `gorm:"not null"`
	IsPrivate     bool          `gorm:"not null;default:false;index"`
	IsActive      bool          `gorm:"not null;default:false;index"`
	TxStatus      TxStatus      `gorm:"size:16;not null;default:pending"`
	PollHash      string        `gorm:"size:66"`
	Choices       []Choice      `gorm:"foreignKey:PollID"`
	Addresses     []PollAddress `gorm:"foreignKey:PollID"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

// HasChoice reports whether choiceID belongs to the poll.
func (p *Poll) HasChoice(choiceID string) bool {
	for _, c := range p.Choices {
		if c.ID == choiceID {
			return true
		}
	}
	return false
}

// Poll choices
type Choice struct {
	ID       string `gorm:"primaryKey;size:36"`
	PollID   string `gorm:"size:36;not null;index"`
	Text     string `gorm:"size:255;not null"`
	Position int    `gorm:"not null;default:0"`
}

// Poll allow-list entries. Wallet is stored normalised.
type PollAddress struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	PollID string `gorm:"size:36;not null;uniqueIndex:ux_poll_address,priority:1"`
	Wallet string `gorm:"size:128;not null;uniqueIndex:ux_poll_address,priority:2"`
}

// Vote is one ledger row. Fingerprint is unique per (poll, wallet). PollHash is the
// poll's on-chain hash when the vote was cast; Signature is the client signature as
// received.
type Vote struct {
	ID           string    `gorm:"primaryKey;size:36"`
	PollID       string    `gorm:"size:36;not null;index"`
	ChoiceID     string    `gorm:"size:36;not null;index"`
	Wallet       string    `gorm:"size:128;not null;index"`
	Fingerprint  string    `gorm:"size:64;not null;uniqueIndex"`
	PollHash     string    `gorm:"size:66"`
	Signature    *string   `gorm:"type:text"`
	TxHash       *string   `gorm:"size:128"`
	BlockNumber  *uint64
	Weight       int       `gorm:"not null;default:1"`
	CommitAmount *int64
	VotedAt      time.Time `gorm:"not null;index"`
}

// BeforeUpdate keeps ledger rows immutable.
func (v *Vote) BeforeUpdate(tx *gorm.DB) error { return ErrImmutable }

// BeforeDelete keeps ledger rows immutable.
func (v *Vote) BeforeDelete(tx *gorm.DB) error { return ErrImmutable }

// VoteTally holds the running count for one (poll, choice). Version guards the count.
type VoteTally struct {
	ID         string  `gorm:"primaryKey;size:36"`
	PollID     string  `gorm:"size:36;not null;uniqueIndex:ux_tally_poll_choice,priority:1"`
	ChoiceID   string  `gorm:"size:36;not null;uniqueIndex:ux_tally_poll_choice,priority:2"`
	Count      int64   `gorm:"not null;default:0"`
	Percentage float64 `gorm:"type:decimal(5,2);not null;default:0"`
	LastVoteAt *time.Time
	Version    int64 `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

// TallyApplication marks a vote as counted. The primary key makes redelivery harmless.
type TallyApplication struct {
	VoteID    string    `gorm:"primaryKey;size:36"`
	PollID    string    `gorm:"size:36;not null;index"`
	ChoiceID  string    `gorm:"size:36;not null"`
	AppliedAt time.Time `gorm:"not null"`
}

// AuditAction names a state transition kept in the audit trail.
type AuditAction string

const (
	ActionVoteAccepted   AuditAction = "vote_accepted"
	ActionVoteRejected   AuditAction = "vote_rejected"
	ActionIllegalAttempt AuditAction = "illegal_attempt"
	ActionStatsUpdated   AuditAction = "stats_updated"
	ActionVoteVerified   AuditAction = "vote_verified"
)

// SubjectType names the entity an audit entry is about.
type SubjectType string

const (
	SubjectVote  SubjectType = "vote"
	SubjectTally SubjectType = "vote_tally"
	SubjectPoll  SubjectType = "poll"
)

// Severity of an illegal attempt.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SystemActor is recorded when no wallet performed the action.
const SystemActor = "system"

// AuditEntry is an append-only audit row. Before/After/Metadata hold JSON.
type AuditEntry struct {
	ID              string      `gorm:"primaryKey;size:36"`
	Action          AuditAction `gorm:"size:32;not null;index"`
	SubjectType     SubjectType `gorm:"size:16;not null;index:idx_audit_subject,priority:1"`
	SubjectID       string      `gorm:"size:64;not null;index:idx_audit_subject,priority:2"`
	Actor           string      `gorm:"size:128;not null;index"`
	Severity        Severity    `gorm:"size:8"`
	Before          []byte      `gorm:"type:text"`
	After           []byte      `gorm:"type:text"`
	Metadata        []byte      `gorm:"type:text"`
	OriginAddress   string      `gorm:"size:45"`
	UserAgent       string      `gorm:"type:text"`
	ClientSignature string      `gorm:"type:text"`
	PerformedAt     time.Time   `gorm:"not null;index"`
}

// BeforeUpdate keeps audit rows immutable.
func (a *AuditEntry) BeforeUpdate(tx *gorm.DB) error { return ErrImmutable }

// BeforeDelete keeps audit rows immutable.
func (a *AuditEntry) BeforeDelete(tx *gorm.DB) error { return ErrImmutable }

// IsSecurityEvent reports whether the entry belongs in the security view.
func (a *AuditEntry) IsSecurityEvent() bool {
	return a.Action == ActionIllegalAttempt || a.Action == ActionVoteRejected
}

// OutboxSignal is a signal committed with the write that produced it.
type OutboxSignal struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Topic        string `gorm:"size:64;not null"`
	Key          string `gorm:"size:64;not null"`
	Payload      []byte `gorm:"type:text;not null"`
	Attempts     int    `gorm:"not null;default:0"`
	LastError    string `gorm:"type:text"`
	CreatedAt    time.Time
	DispatchedAt *time.Time `gorm:"index"`
}

// Settings
type Setting struct {
	ID     uint32 `gorm:"primaryKey"`
	Name   string `gorm:"size:64;not null;uniqueIndex"`
	Value  string `gorm:"type:text;not null"`
	Active bool   `gorm:"not null;default:true"`
}

// RequestMeta carries network metadata about the submitting client.
type RequestMeta struct {
	OriginAddress   string `json:"originAddress,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
	ClientSignature string `json:"clientSignature,omitempty"`
	// SignatureRejected is set by the authentication layer when the client signature
	// failed verification or did not match the wallet.
	SignatureRejected bool              `json:"signatureRejected,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// AttemptKind classifies a rejected vote.
type AttemptKind string

const (
	// AttemptTiming covers routine window or status rejections.
	AttemptTiming AttemptKind = "timing"
	// AttemptPolicy covers allow-list, privacy and foreign-choice violations.
	AttemptPolicy AttemptKind = "policy"
	// AttemptDuplicate is a second vote from the same wallet in the same poll.
	AttemptDuplicate AttemptKind = "duplicate"
	// AttemptForgery is an identity or signature mismatch reported upstream.
	AttemptForgery AttemptKind = "forgery"
)
