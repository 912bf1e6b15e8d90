package types

import "errors"

var (
	ErrPollNotFound   = errors.New("poll not found")
	ErrNotEligible    = errors.New("not eligible to vote")
	ErrInvalidChoice  = errors.New("invalid choice for this poll")
	ErrAlreadyVoted   = errors.New("wallet has already voted in this poll")
	ErrInvalidRequest = errors.New("invalid request")

	ErrVersionConflict  = errors.New("tally version conflict")
	ErrAlreadyApplied   = errors.New("vote already applied to tally")
	ErrRetriesExhausted = errors.New("tally retries exhausted")

	ErrImmutable     = errors.New("record is immutable")
	ErrChoiceLocked  = errors.New("choice has votes and cannot change")
	ErrInvalidWindow = errors.New("poll start must be before end")
	ErrVoteNotFound  = errors.New("vote not found")
)

// IneligibleError carries the stable eligibility reason alongside a human message.
type IneligibleError struct {
	Reason  string
	Message string
}

func (e *IneligibleError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Reason
}

func (e *IneligibleError) Unwrap() error { return ErrNotEligible }
