// Package eligibility decides whether a wallet may vote in a poll at a given instant.
// It has no state and no side effects; callers re-evaluate on every cast.
package eligibility

import (
	"fmt"
	"time"

	"github.com/agaro/votecore/src/voting/types"
	"github.com/agaro/votecore/src/voting/wallet"
)

// Reason is a stable rejection code. UIs and tests match on it.
type Reason string

const (
	ReasonNotFound      Reason = "not found"
	ReasonClosed        Reason = "voting closed"
	ReasonNotStarted    Reason = "voting has not started"
	ReasonNotOnChain    Reason = "not yet active on-chain"
	ReasonInactive      Reason = "currently inactive"
	ReasonInvalidChoice Reason = "invalid choice"
	ReasonNotInvited    Reason = "not an invited address"
	ReasonPrivate       Reason = "private poll, not authorized"
)

// IsPolicyViolation separates security-relevant rejections from routine timing or
// status ones.
func (r Reason) IsPolicyViolation() bool {
	switch r {
	case ReasonInvalidChoice, ReasonNotInvited, ReasonPrivate:
		return true
	}
	return false
}

// Result of an evaluation. Message is Reason plus any human detail.
type Result struct {
	Eligible bool
	Reason   Reason
	Message  string
}

func reject(r Reason, detail string) Result {
	msg := string(r)
	if detail != "" {
		msg = msg + " (" + detail + ")"
	}
	return Result{Reason: r, Message: msg}
}

// Evaluate runs the checks in order and stops at the first failure. choiceID may be
// empty to skip the choice check. The voting window is [StartsAt, EndsAt).
func Evaluate(p *types.Poll, addr, choiceID string, now time.Time) Result {
	if p == nil {
		return reject(ReasonNotFound, "")
	}
	if !now.Before(p.EndsAt) {
		return reject(ReasonClosed, "")
	}
	if now.Before(p.StartsAt) {
		return reject(ReasonNotStarted, "opens "+p.StartsAt.UTC().Format(time.RFC1123))
	}
	if p.TxStatus != types.TxSuccess {
		return reject(ReasonNotOnChain, fmt.Sprintf("transaction %s", p.TxStatus))
	}
	if !p.IsActive {
		return reject(ReasonInactive, "")
	}
	if choiceID != "" && !p.HasChoice(choiceID) {
		return reject(ReasonInvalidChoice, "")
	}

	if len(p.Addresses) > 0 {
		for _, a := range p.Addresses {
			if wallet.Equal(a.Wallet, addr) {
				return Result{Eligible: true}
			}
		}
		return reject(ReasonNotInvited, "")
	}
	if p.IsPrivate && !wallet.Equal(p.CreatorWallet, addr) {
		return reject(ReasonPrivate, "")
	}

	return Result{Eligible: true}
}
