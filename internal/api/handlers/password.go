package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/service"
)

const forgottenMessage = "If the details match an account, an email is on its way."

// PasswordHandler handles forgotten details, password changes and resets
type PasswordHandler struct {
	trees    TreeProvider
	accounts AccountManager
	logger   *zap.Logger
}

// NewPasswordHandler creates a new password handler
func NewPasswordHandler(trees TreeProvider, accounts AccountManager, logger *zap.Logger) *PasswordHandler {
	return &PasswordHandler{
		trees:    trees,
		accounts: accounts,
		logger:   logger,
	}
}

// ForgottenRequest names an account by uid or by email
type ForgottenRequest struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// Forgotten starts a reset (uid) or sends username reminders (email). The
// response does not reveal whether anything matched.
// @Summary Forgotten username or password
// @Accept json
// @Produce json
// @Param request body ForgottenRequest true "uid or email"
// @Success 200 {object} map[string]string
// @Router /api/v1/trees/{slug}/forgotten [post]
func (h *PasswordHandler) Forgotten(c *gin.Context) {
	var req ForgottenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}

	err := h.accounts.ForgottenDetails(c.Request.Context(), tree, service.ForgottenRequest{UID: req.UID, Email: req.Email})
	if err != nil {
		respondError(c, h.logger, err, "Forgotten details request failed", zap.String("tree", tree.Slug))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": forgottenMessage})
}

// ChangePasswordRequest changes a password the owner knows
type ChangePasswordRequest struct {
	UID                string `json:"uid" binding:"required"`
	CurrentPassword    string `json:"current_password" binding:"required"`
	NewPassword        string `json:"new_password" binding:"required"`
	ConfirmNewPassword string `json:"confirm_new_password" binding:"required"`
}

// ChangePassword changes a password after checking the current one
// @Summary Change password
// @Accept json
// @Produce json
// @Param request body ChangePasswordRequest true "Passwords"
// @Success 200 {object} map[string]string
// @Router /api/v1/trees/{slug}/password [post]
func (h *PasswordHandler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NewPassword != req.ConfirmNewPassword {
		c.JSON(http.StatusBadRequest, gin.H{"error": "passwords do not match", "field": "confirm_new_password"})
		return
	}
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}

	err := h.accounts.ChangeKnownPassword(c.Request.Context(), tree, req.UID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		respondError(c, h.logger, err, "Password change failed", zap.String("tree", tree.Slug), zap.String("uid", req.UID))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Password changed."})
}

// CheckReset validates a reset link before the form is shown
// @Summary Check reset link
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /pwreset/{slug}/{uid}/{token} [get]
func (h *PasswordHandler) CheckReset(c *gin.Context) {
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}
	uid := c.Param("uid")

	if err := h.accounts.CheckReset(c.Request.Context(), tree, uid, c.Param("token")); err != nil {
		respondError(c, h.logger, err, "Reset link refused", zap.String("tree", tree.Slug), zap.String("uid", uid))
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "uid": uid})
}

// ResetRequest completes a reset
type ResetRequest struct {
	Token              string `json:"token" binding:"required"`
	NewPassword        string `json:"new_password" binding:"required"`
	ConfirmNewPassword string `json:"confirm_new_password" binding:"required"`
}

// Reset sets a new password using a reset token
// @Summary Reset password
// @Accept json
// @Produce json
// @Param request body ResetRequest true "Token and passwords"
// @Success 200 {object} map[string]string
// @Router /pwreset/{slug}/{uid} [post]
func (h *PasswordHandler) Reset(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NewPassword != req.ConfirmNewPassword {
		c.JSON(http.StatusBadRequest, gin.H{"error": "passwords do not match", "field": "confirm_new_password"})
		return
	}
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}
	uid := c.Param("uid")

	if err := h.accounts.ResetPassword(c.Request.Context(), tree, uid, req.Token, req.NewPassword); err != nil {
		respondError(c, h.logger, err, "Password reset failed", zap.String("tree", tree.Slug), zap.String("uid", uid))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Password reset. You can now log in with the new password."})
}
