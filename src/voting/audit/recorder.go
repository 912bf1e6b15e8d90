// Package audit is the append-only audit trail. Entries are never updated or deleted;
// a correction is a new entry.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/voting/types"
	"github.com/agaro/votecore/src/voting/wallet"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Record is one entry to append.
type Record struct {
	// Actor is the wallet that caused the transition, or types.SystemActor.
	Actor   string
	Meta    types.RequestMeta
	Payload Payload
}

// Recorder appends and queries audit entries.
type Recorder struct {
	db        *gorm.DB
	log       zerolog.Logger
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewRecorder creates a Recorder over db.
func NewRecorder(db *gorm.DB, log zerolog.Logger) *Recorder {
	return &Recorder{
		db:        db,
		log:       log.With().Str("component", "audit").Logger(),
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
}

// Append writes rec in its own statement.
func (r *Recorder) Append(ctx context.Context, rec Record) (*types.AuditEntry, error) {
	return r.AppendTx(r.db.WithContext(ctx), rec)
}

// AppendTx writes rec through tx so it commits or rolls back with the caller's write.
func (r *Recorder) AppendTx(tx *gorm.DB, rec Record) (*types.AuditEntry, error) {
	entry, err := r.build(rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("audit: append %s: %w", entry.Action, err)
	}
	r.log.Debug().
		Str("action", string(entry.Action)).
		Str("subject", entry.SubjectID).
		Str("actor", entry.Actor).
		Msg("audit entry appended")
	return entry, nil
}

func (r *Recorder) build(rec Record) (*types.AuditEntry, error) {
	if rec.Payload == nil {
		return nil, fmt.Errorf("%w: audit payload missing", types.ErrInvalidRequest)
	}
	subjectType, subjectID := rec.Payload.subject()
	if subjectID == "" {
		return nil, fmt.Errorf("%w: audit subject missing", types.ErrInvalidRequest)
	}
	before, after := rec.Payload.snapshots()

	entry := &types.AuditEntry{
		ID:              uuid.NewString(),
		Action:          rec.Payload.Action(),
		SubjectType:     subjectType,
		SubjectID:       subjectID,
		Actor:           rec.Actor,
		OriginAddress:   r.clean(rec.Meta.OriginAddress),
		UserAgent:       r.clean(rec.Meta.UserAgent),
		ClientSignature: r.clean(rec.Meta.ClientSignature),
		PerformedAt:     r.now().UTC(),
	}
	if entry.Actor == "" {
		entry.Actor = types.SystemActor
	} else {
		entry.Actor = actorKey(entry.Actor)
	}
	if ia, ok := rec.Payload.(IllegalAttempt); ok {
		entry.Severity = ia.Severity
	}

	var err error
	if entry.Before, err = encode(before); err != nil {
		return nil, err
	}
	if entry.After, err = encode(after); err != nil {
		return nil, err
	}
	if len(rec.Meta.Extra) > 0 {
		extra := make(map[string]string, len(rec.Meta.Extra))
		for k, v := range rec.Meta.Extra {
			extra[r.clean(k)] = r.clean(v)
		}
		if entry.Metadata, err = encode(extra); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

func (r *Recorder) clean(s string) string {
	return strings.TrimSpace(r.sanitizer.Sanitize(s))
}

func encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: encode payload: %w", err)
	}
	return b, nil
}

// Filter narrows a trail query. Zero fields match everything.
type Filter struct {
	Action      types.AuditAction
	SubjectType types.SubjectType
	SubjectID   string
	Actor       string
	From        time.Time
	To          time.Time
}

// Page selects a slice of the newest-first result. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

// Query returns one page of entries matching f, newest first, and the total match count.
func (r *Recorder) Query(ctx context.Context, f Filter, page Page) ([]types.AuditEntry, int64, error) {
	page = page.normalize()

	var total int64
	if err := r.db.WithContext(ctx).Model(&types.AuditEntry{}).Scopes(f.scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}
	var entries []types.AuditEntry
	err := r.db.WithContext(ctx).Scopes(f.scope).
		Order("performed_at DESC").Order("id DESC").
		Offset((page.Number - 1) * page.Size).Limit(page.Size).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("audit: query: %w", err)
	}
	return entries, total, nil
}

func (f Filter) scope(q *gorm.DB) *gorm.DB {
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.SubjectType != "" {
		q = q.Where("subject_type = ?", f.SubjectType)
	}
	if f.SubjectID != "" {
		q = q.Where("subject_id = ?", f.SubjectID)
	}
	if f.Actor != "" {
		q = q.Where("actor = ?", actorKey(f.Actor))
	}
	if !f.From.IsZero() {
		q = q.Where("performed_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("performed_at <= ?", f.To.UTC())
	}
	return q
}

// actorKey matches how actors are stored: wallets normalised, anything else verbatim.
func actorKey(actor string) string {
	if norm, err := wallet.Normalize(actor); err == nil {
		return norm
	}
	return actor
}

// BySubject returns the full history of one subject, oldest first.
func (r *Recorder) BySubject(ctx context.Context, subjectType types.SubjectType, subjectID string) ([]types.AuditEntry, error) {
	var entries []types.AuditEntry
	err := r.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", subjectType, subjectID).
		Order("performed_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: by subject: %w", err)
	}
	return entries, nil
}

// SecurityEvents returns the newest illegal attempts and rejections.
func (r *Recorder) SecurityEvents(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	var entries []types.AuditEntry
	err := r.db.WithContext(ctx).
		Where("action IN ?", []types.AuditAction{types.ActionIllegalAttempt, types.ActionVoteRejected}).
		Order("performed_at DESC").Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: security events: %w", err)
	}
	return entries, nil
}

// CountIllegalAttempts counts illegal_attempt entries performed by addr.
func (r *Recorder) CountIllegalAttempts(ctx context.Context, addr string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&types.AuditEntry{}).
		Where("action = ? AND actor = ?", types.ActionIllegalAttempt, actorKey(addr)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("audit: count illegal: %w", err)
	}
	return n, nil
}
