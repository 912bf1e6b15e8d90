package webserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/types"
)

type AuditTrail struct {
	rec *audit.Recorder
	log zerolog.Logger
}

func NewAuditTrail(rec *audit.Recorder, log zerolog.Logger) AuditTrail {
	return AuditTrail{rec: rec, log: log.With().Str("component", "http").Logger()}
}

type auditView struct {
	ID              string            `json:"id"`
	Action          types.AuditAction `json:"action"`
	SubjectType     types.SubjectType `json:"subjectType"`
	SubjectID       string            `json:"subjectId"`
	Actor           string            `json:"actor"`
	Severity        types.Severity    `json:"severity,omitempty"`
	Before          json.RawMessage   `json:"before,omitempty"`
	After           json.RawMessage   `json:"after,omitempty"`
	Metadata        json.RawMessage   `json:"metadata,omitempty"`
	OriginAddress   string            `json:"originAddress,omitempty"`
	UserAgent       string            `json:"userAgent,omitempty"`
	ClientSignature string            `json:"clientSignature,omitempty"`
	PerformedAt     time.Time         `json:"performedAt"`
}

func toAuditView(e types.AuditEntry) auditView {
	return auditView{
		ID:              e.ID,
		Action:          e.Action,
		SubjectType:     e.SubjectType,
		SubjectID:       e.SubjectID,
		Actor:           e.Actor,
		Severity:        e.Severity,
		Before:          rawJSON(e.Before),
		After:           rawJSON(e.After),
		Metadata:        rawJSON(e.Metadata),
		OriginAddress:   e.OriginAddress,
		UserAgent:       e.UserAgent,
		ClientSignature: e.ClientSignature,
		PerformedAt:     e.PerformedAt,
	}
}

func toAuditViews(entries []types.AuditEntry) []auditView {
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditView(e))
	}
	return out
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// List queries the trail. Filters: action, subjectType, subjectId, actor, from, to
// (RFC 3339); paging: page, size.
func (a AuditTrail) List(c *gin.Context) {
	f := audit.Filter{
		Action:      types.AuditAction(c.Query("action")),
		SubjectType: types.SubjectType(c.Query("subjectType")),
		SubjectID:   c.Query("subjectId"),
		Actor:       c.Query("actor"),
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad from: " + err.Error()})
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad to: " + err.Error()})
		return
	}
	page := audit.Page{Number: queryInt(c, "page"), Size: queryInt(c, "size")}

	entries, total, err := a.rec.Query(c.Request.Context(), f, page)
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": toAuditViews(entries),
		"total":   total,
	})
}

// Security returns the newest illegal attempts and rejections.
func (a AuditTrail) Security(c *gin.Context) {
	entries, err := a.rec.SecurityEvents(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": toAuditViews(entries)})
}

// IllegalCount returns how many illegal attempts a wallet has made.
func (a AuditTrail) IllegalCount(c *gin.Context) {
	addr := c.Param("addr")
	n, err := a.rec.CountIllegalAttempts(c.Request.Context(), addr)
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": addr, "illegalAttempts": n})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}
