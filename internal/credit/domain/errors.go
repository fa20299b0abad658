package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrUnknownAccount      = errors.New("unknown_account")
	ErrNotInitialized      = errors.New("credits_not_initialized")
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTool         = errors.New("invalid_tool")
)

// InsufficientCreditsError carries the balance observed when a deduction was
// refused.
type InsufficientCreditsError struct {
	Remaining int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Remaining, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
