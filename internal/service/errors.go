package service

import (
	"errors"
	"fmt"

	"github.com/EDRN/biokey/internal/resettoken"
)

var (
	// ErrNoAdminContext is returned when a notifying rejection has no acting administrator
	ErrNoAdminContext = errors.New("notifying a rejection requires an administrator")

	// ErrExternallyManaged is returned for accounts whose passwords live elsewhere
	ErrExternallyManaged = errors.New("account is managed externally")

	// ErrInvalidPassword covers a wrong current password and an unknown uid alike
	ErrInvalidPassword = errors.New("username and/or password are invalid")

	// ErrInvalidResetRequest is the single face of every reset failure
	ErrInvalidResetRequest = resettoken.ErrInvalidResetRequest

	ErrPendingNotFound = errors.New("pending user not found")
	ErrTreeNotFound    = errors.New("directory tree not found")
)

// GroupModificationError reports a failed acceptance-group update. The
// pending user is kept when this happens.
type GroupModificationError struct {
	UID   string
	Group string
	Err   error
}

func (e *GroupModificationError) Error() string {
	return fmt.Sprintf("failed to add %s to group %s: %v", e.UID, e.Group, e.Err)
}

func (e *GroupModificationError) Unwrap() error { return e.Err }

// ValidationError reports unacceptable caller input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
