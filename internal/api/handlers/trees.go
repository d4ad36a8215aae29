package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/account"
	"github.com/EDRN/biokey/internal/database/models"
)

// TreeAdmin is the tree registry as staff see it
type TreeAdmin interface {
	ListTrees(ctx context.Context) ([]*models.DirectoryTree, error)
	DeleteTree(ctx context.Context, slug string) error
}

// TreeHandler handles staff views of the configured trees
type TreeHandler struct {
	trees    TreeProvider
	admin    TreeAdmin
	accounts AccountManager
	logger   *zap.Logger
}

// NewTreeHandler creates a new tree handler
func NewTreeHandler(trees TreeProvider, admin TreeAdmin, accounts AccountManager, logger *zap.Logger) *TreeHandler {
	return &TreeHandler{
		trees:    trees,
		admin:    admin,
		accounts: accounts,
		logger:   logger,
	}
}

// ListTrees lists every configured tree
// @Summary List trees
// @Produce json
// @Success 200 {array} models.DirectoryTree
// @Router /api/v1/trees [get]
func (h *TreeHandler) ListTrees(c *gin.Context) {
	trees, err := h.admin.ListTrees(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to list trees")
		return
	}
	c.JSON(http.StatusOK, trees)
}

// DeleteTree removes a tree and its pending accounts. Directory entries are
// left alone.
// @Summary Delete tree
// @Success 204
// @Router /api/v1/trees/{slug} [delete]
func (h *TreeHandler) DeleteTree(c *gin.Context) {
	slug := c.Param("slug")
	if err := h.admin.DeleteTree(c.Request.Context(), slug); err != nil {
		respondError(c, h.logger, err, "Failed to delete tree", zap.String("slug", slug))
		return
	}

	h.logger.Info("Tree deleted", zap.String("slug", slug), zap.String("by", c.GetString("username")))
	c.Status(http.StatusNoContent)
}

// GroupView is a directory group with whether approval grants it
type GroupView struct {
	account.Group
	Acceptance bool `json:"acceptance"`
}

// ListGroups lists the groups of a tree's directory
// @Summary List directory groups
// @Produce json
// @Success 200 {array} GroupView
// @Router /api/v1/trees/{slug}/groups [get]
func (h *TreeHandler) ListGroups(c *gin.Context) {
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}

	groups, err := h.accounts.ListGroups(c.Request.Context(), tree)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list groups", zap.String("tree", tree.Slug))
		return
	}

	views := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, GroupView{Group: g, Acceptance: strings.EqualFold(g.DN, tree.AcceptanceGroup)})
	}
	c.JSON(http.StatusOK, views)
}
