package webserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/agaro/votecore/src/voting/casting"
	"github.com/agaro/votecore/src/voting/tally"
	"github.com/agaro/votecore/src/voting/types"
	"github.com/agaro/votecore/src/voting/wallet"
)

type Votes struct {
	casting *casting.Orchestrator
	tally   *tally.Store
	log     zerolog.Logger
}

func NewVotes(o *casting.Orchestrator, ts *tally.Store, log zerolog.Logger) Votes {
	return Votes{casting: o, tally: ts, log: log.With().Str("component", "http").Logger()}
}

type voteView struct {
	ID          string    `json:"id"`
	PollID      string    `json:"pollId"`
	ChoiceID    string    `json:"choiceId"`
	Wallet      string    `json:"wallet"`
	Fingerprint string    `json:"fingerprint"`
	PollHash    string    `json:"pollHash,omitempty"`
	Weight      int       `json:"weight"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	VotedAt     time.Time `json:"votedAt"`
}

func toVoteView(v *types.Vote) voteView {
	out := voteView{
		ID:          v.ID,
		PollID:      v.PollID,
		ChoiceID:    v.ChoiceID,
		Wallet:      v.Wallet,
		Fingerprint: v.Fingerprint,
		PollHash:    v.PollHash,
		Weight:      v.Weight,
		VotedAt:     v.VotedAt,
	}
	if v.TxHash != nil {
		out.TxHash = *v.TxHash
	}
	if v.BlockNumber != nil {
		out.BlockNumber = *v.BlockNumber
	}
	return out
}

// Cast records a vote for the authenticated wallet. A body wallet that differs from the
// token's wallet is treated as a forged submission.
func (v Votes) Cast(c *gin.Context) {
	var req struct {
		ChoiceID     string `json:"choiceId" binding:"required"`
		Wallet       string `json:"wallet"`
		TxHash       string `json:"txHash"`
		BlockNumber  uint64 `json:"blockNumber"`
		Weight       int    `json:"weight" binding:"omitempty,min=1"`
		CommitAmount *int64 `json:"commitAmount"`
		Signature    string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	addr := c.GetString(ctxAddr)
	meta := requestMeta(c, req.Signature)
	if req.Wallet != "" && !wallet.Equal(req.Wallet, addr) {
		meta.SignatureRejected = true
		meta.Extra = map[string]string{"claimed_wallet": req.Wallet}
	}

	vote, err := v.casting.CastVote(c.Request.Context(), casting.Request{
		PollID:       c.Param("id"),
		ChoiceID:     req.ChoiceID,
		Wallet:       addr,
		TxHash:       req.TxHash,
		BlockNumber:  req.BlockNumber,
		Weight:       req.Weight,
		CommitAmount: req.CommitAmount,
		Meta:         meta,
	})
	if err != nil {
		writeError(c, v.log, err)
		return
	}
	c.JSON(http.StatusCreated, toVoteView(vote))
}

// Eligibility reports whether the authenticated wallet may vote now.
func (v Votes) Eligibility(c *gin.Context) {
	res, err := v.casting.CheckEligibility(c.Request.Context(), c.Param("id"), c.GetString(ctxAddr), c.Query("choiceId"))
	if err != nil {
		writeError(c, v.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"eligible": res.Eligible,
		"reason":   res.Reason,
		"message":  res.Message,
	})
}

// Tally returns the per-choice counts and percentages of a poll.
func (v Votes) Tally(c *gin.Context) {
	pollID := c.Param("id")
	lines, err := v.tally.GetTally(c.Request.Context(), pollID)
	if err != nil {
		writeError(c, v.log, err)
		return
	}
	var total int64
	for _, l := range lines {
		total += l.Count
	}
	c.JSON(http.StatusOK, gin.H{
		"pollId":     pollID,
		"totalVotes": total,
		"choices":    lines,
	})
}

// Verify records the outcome of an on-chain check of a vote.
func (v Votes) Verify(c *gin.Context) {
	var req struct {
		TxHash      string `json:"txHash"`
		BlockNumber uint64 `json:"blockNumber"`
		Verified    *bool  `json:"verified" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	entry, err := v.casting.RecordVerification(c.Request.Context(), casting.Verification{
		VoteID:      c.Param("id"),
		TxHash:      req.TxHash,
		BlockNumber: req.BlockNumber,
		Verified:    *req.Verified,
	})
	if err != nil {
		writeError(c, v.log, err)
		return
	}
	c.JSON(http.StatusCreated, toAuditView(*entry))
}

func requestMeta(c *gin.Context, signature string) types.RequestMeta {
	if signature == "" {
		signature = c.GetHeader("X-Client-Signature")
	}
	return types.RequestMeta{
		OriginAddress:   c.ClientIP(),
		UserAgent:       c.Request.UserAgent(),
		ClientSignature: strings.TrimSpace(signature),
	}
}
