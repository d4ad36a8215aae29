package resettoken

import (
	"errors"
	"fmt"
)

// ErrInvalidResetRequest is what every token failure looks like from outside
var ErrInvalidResetRequest = errors.New("invalid or expired reset request")

// Reasons a presented token is refused
var (
	ErrNoTokenPending = errors.New("no reset token pending")
	ErrExpired        = errors.New("reset token expired")
	ErrMismatch       = errors.New("reset token does not match")
)

// TokenError records why a token was refused. errors.Is matches both the
// specific reason and ErrInvalidResetRequest.
type TokenError struct {
	UID    string
	Reason error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("reset request for %s refused: %v", e.UID, e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Reason }

func (e *TokenError) Is(target error) bool {
	return target == ErrInvalidResetRequest
}
