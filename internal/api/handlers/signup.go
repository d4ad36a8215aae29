package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/service"
)

// SignupHandler handles public tree info and account signup
type SignupHandler struct {
	trees    TreeProvider
	accounts AccountManager
	logger   *zap.Logger
}

// NewSignupHandler creates a new signup handler
func NewSignupHandler(trees TreeProvider, accounts AccountManager, logger *zap.Logger) *SignupHandler {
	return &SignupHandler{
		trees:    trees,
		accounts: accounts,
		logger:   logger,
	}
}

// GetTree returns what the public may know about a tree
// @Summary Get tree
// @Produce json
// @Param slug path string true "Tree slug"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/trees/{slug} [get]
func (h *SignupHandler) GetTree(c *gin.Context) {
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"slug":              tree.Slug,
		"title":             tree.Title,
		"help_address":      tree.HelpAddress,
		"external_accounts": tree.ExternalAccounts,
	})
}

// LookupRequest names a person who may already have an account
type LookupRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name" binding:"required"`
}

// Lookup returns the emails of accounts that may belong to the named person
// @Summary Look up existing accounts
// @Accept json
// @Produce json
// @Param request body LookupRequest true "Name"
// @Success 200 {object} map[string][]string
// @Router /api/v1/trees/{slug}/signup/lookup [post]
func (h *SignupHandler) Lookup(c *gin.Context) {
	var req LookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}

	emails, err := h.accounts.PotentialAccounts(c.Request.Context(), tree, req.FirstName, req.LastName)
	if err != nil {
		respondError(c, h.logger, err, "Failed to look up potential accounts")
		return
	}
	if emails == nil {
		emails = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

// SignupRequest is the signup form
type SignupRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name" binding:"required"`
	Email     string `json:"email" binding:"required"`
	Phone     string `json:"phone"`
}

// Signup creates a pending account
// @Summary Sign up
// @Accept json
// @Produce json
// @Param request body SignupRequest true "Signup form"
// @Success 201 {object} map[string]string
// @Router /api/v1/trees/{slug}/signup [post]
func (h *SignupHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tree, ok := lookupTree(c, h.trees, h.logger)
	if !ok {
		return
	}

	uid, err := h.accounts.CreateAccount(c.Request.Context(), tree, service.SignupRequest{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
	})
	if err != nil {
		respondError(c, h.logger, err, "Signup failed", zap.String("tree", tree.Slug))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"uid":     uid,
		"message": "Account created. Check your email to set your password; an administrator will review the account.",
	})
}
