package market

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed caller input. The RPC layer maps it to
	// an invalid-params response.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a referenced listing, bid or escrow that is not
	// known locally.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition marks a locally-initiated action that violates a
	// state machine precondition the caller controls. Inbound replayed or
	// reordered messages never produce it; those are swallowed.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrPrerequisite marks an inbound action whose causal prerequisite has
	// not been observed yet (e.g. an escrow LOCK before the bid's ACCEPT).
	// The reconciler buffers such messages instead of rejecting them.
	ErrPrerequisite = errors.New("prerequisite not met")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IllegalTransitionf wraps ErrIllegalTransition with a formatted message.
func IllegalTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalTransition, fmt.Sprintf(format, args...))
}

// Prerequisitef wraps ErrPrerequisite with a formatted message.
func Prerequisitef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrerequisite, fmt.Sprintf(format, args...))
}
