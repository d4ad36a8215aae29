package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PendingHandler handles staff review of pending accounts
type PendingHandler struct {
	trees    TreeProvider
	accounts AccountManager
	logger   *zap.Logger
}

// NewPendingHandler creates a new pending handler
func NewPendingHandler(trees TreeProvider, accounts AccountManager, logger *zap.Logger) *PendingHandler {
	return &PendingHandler{
		trees:    trees,
		accounts: accounts,
		logger:   logger,
	}
}

// ListPending lists a tree's pending accounts
// @Summary List pending accounts
// @Produce json
// @Success 200 {array} models.PendingUser
// @Router /api/v1/trees/{slug}/pending [get]
func (h *PendingHandler) ListPending(c *gin.Context) {
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}

	users, err := h.accounts.ListPending(c.Request.Context(), tree)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list pending users", zap.String("tree", tree.Slug))
		return
	}

	c.JSON(http.StatusOK, users)
}

// Accept approves a pending account
// @Summary Accept pending account
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/v1/trees/{slug}/pending/{uid}/accept [post]
func (h *PendingHandler) Accept(c *gin.Context) {
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}
	uid := c.Param("uid")

	pending, err := h.accounts.GetPending(c.Request.Context(), tree, uid)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get pending user", zap.String("uid", uid))
		return
	}
	if err := h.accounts.AcceptPendingUser(c.Request.Context(), tree, pending, actorFromContext(c)); err != nil {
		respondError(c, h.logger, err, "Failed to accept pending user", zap.String("uid", uid))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Account accepted", "uid": uid})
}

// Reject deletes a pending account and tells its owner
// @Summary Reject pending account
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/v1/trees/{slug}/pending/{uid}/reject [post]
func (h *PendingHandler) Reject(c *gin.Context) {
	h.reject(c, true)
}

// Discard deletes a pending account without telling anyone
// @Summary Discard pending account
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/v1/trees/{slug}/pending/{uid} [delete]
func (h *PendingHandler) Discard(c *gin.Context) {
	h.reject(c, false)
}

func (h *PendingHandler) reject(c *gin.Context, notify bool) {
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}
	uid := c.Param("uid")

	pending, err := h.accounts.GetPending(c.Request.Context(), tree, uid)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get pending user", zap.String("uid", uid))
		return
	}
	if err := h.accounts.RejectPendingUser(c.Request.Context(), tree, pending, notify, actorFromContext(c)); err != nil {
		respondError(c, h.logger, err, "Failed to reject pending user", zap.String("uid", uid))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Account rejected", "uid": uid, "notified": notify})
}
