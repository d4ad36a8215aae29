// Package handlers provides the HTTP handlers for BioKey: public tree info,
// signup, forgotten details, password changes and resets, and the staff
// endpoints that approve or reject pending accounts.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/account"
	"github.com/EDRN/biokey/internal/database/models"
	"github.com/EDRN/biokey/internal/directory"
	"github.com/EDRN/biokey/internal/service"
)

// Message shown for every failed reset, whatever the reason
const invalidResetMessage = "this password reset link is invalid or has expired; please request a new one"

// TreeProvider looks up directory trees by slug
type TreeProvider interface {
	GetTree(ctx context.Context, slug string) (*models.DirectoryTree, error)
}

// AccountManager is the account lifecycle as the handlers use it
type AccountManager interface {
	CreateAccount(ctx context.Context, tree *models.DirectoryTree, req service.SignupRequest) (string, error)
	PotentialAccounts(ctx context.Context, tree *models.DirectoryTree, firstName, lastName string) ([]string, error)
	ForgottenDetails(ctx context.Context, tree *models.DirectoryTree, req service.ForgottenRequest) error
	ChangeKnownPassword(ctx context.Context, tree *models.DirectoryTree, uid, current, newPassword string) error
	CheckReset(ctx context.Context, tree *models.DirectoryTree, uid, token string) error
	ResetPassword(ctx context.Context, tree *models.DirectoryTree, uid, token, newPassword string) error
	ListPending(ctx context.Context, tree *models.DirectoryTree) ([]*models.PendingUser, error)
	GetPending(ctx context.Context, tree *models.DirectoryTree, uid string) (*models.PendingUser, error)
	AcceptPendingUser(ctx context.Context, tree *models.DirectoryTree, pending *models.PendingUser, actor *service.Actor) error
	RejectPendingUser(ctx context.Context, tree *models.DirectoryTree, pending *models.PendingUser, notify bool, actor *service.Actor) error
	ListGroups(ctx context.Context, tree *models.DirectoryTree) ([]account.Group, error)
}

// lookupTree resolves the :slug parameter, writing the error response itself
// when it fails
func lookupTree(c *gin.Context, trees TreeProvider, logger *zap.Logger) (*models.DirectoryTree, bool) {
	slug := c.Param("slug")
	tree, err := trees.GetTree(c.Request.Context(), slug)
	if err != nil {
		respondError(c, logger, err, "Failed to load directory tree", zap.String("slug", slug))
		return nil, false
	}
	return tree, true
}

// actorFromContext builds the acting staff member from the values the auth
// middleware stored
func actorFromContext(c *gin.Context) *service.Actor {
	username := c.GetString("username")
	if username == "" {
		return nil
	}
	return &service.Actor{
		Username: username,
		Email:    c.GetString("email"),
		Role:     c.GetString("role"),
	}
}

// respondError maps err to a status and a fixed message. Server-side failures
// are logged at error level with msg; the rest at info.
func respondError(c *gin.Context, logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	status, body := classify(err)
	fields = append(fields, zap.Error(err), zap.Int("status", status))
	if status >= http.StatusInternalServerError {
		logger.Error(msg, fields...)
	} else {
		logger.Info(msg, fields...)
	}
	c.JSON(status, body)
}

func classify(err error) (int, gin.H) {
	var (
		verr      *service.ValidationError
		gerr      *service.GroupModificationError
		exhausted *account.ExhaustedRetriesError
		connErr   *directory.ConnectionError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field}
	case errors.Is(err, service.ErrInvalidResetRequest):
		return http.StatusBadRequest, gin.H{"error": invalidResetMessage}
	case errors.Is(err, account.ErrEmptyAccountName):
		return http.StatusBadRequest, gin.H{"error": "name must contain letters"}
	case errors.Is(err, service.ErrInvalidPassword):
		return http.StatusUnauthorized, gin.H{"error": service.ErrInvalidPassword.Error()}
	case errors.Is(err, service.ErrNoAdminContext):
		return http.StatusForbidden, gin.H{"error": "an administrator is required"}
	case errors.Is(err, service.ErrTreeNotFound):
		return http.StatusNotFound, gin.H{"error": "directory tree not found"}
	case errors.Is(err, service.ErrPendingNotFound):
		return http.StatusNotFound, gin.H{"error": "pending user not found"}
	case errors.Is(err, service.ErrExternallyManaged):
		return http.StatusConflict, gin.H{"error": "this account's password is managed elsewhere"}
	case errors.Is(err, account.ErrStale):
		return http.StatusConflict, gin.H{"error": "the account changed while it was being updated; please try again"}
	case directory.IsEntryExists(err), errors.As(err, &exhausted):
		return http.StatusConflict, gin.H{"error": "could not reserve an account name; please try again"}
	case errors.As(err, &gerr):
		return http.StatusBadGateway, gin.H{"error": "failed to update group membership"}
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable, gin.H{"error": "directory unavailable"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal error"}
	}
}
