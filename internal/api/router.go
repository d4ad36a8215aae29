// Package api provides HTTP routing for BioKey. It wires handlers and
// middleware to the services built in main.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/api/handlers"
	"github.com/EDRN/biokey/internal/api/middleware"
	"github.com/EDRN/biokey/internal/auth"
	"github.com/EDRN/biokey/internal/config"
)

// Services are what the handlers run against
type Services struct {
	Trees     handlers.TreeProvider
	Accounts  handlers.AccountManager
	TreeAdmin handlers.TreeAdmin
	DB        handlers.Pinger
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, svc Services, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(cfg))

	healthHandler := handlers.NewHealthHandler(svc.DB, logger)
	authHandler := handlers.NewAuthHandler(logger)
	signupHandler := handlers.NewSignupHandler(svc.Trees, svc.Accounts, logger)
	passwordHandler := handlers.NewPasswordHandler(svc.Trees, svc.Accounts, logger)
	pendingHandler := handlers.NewPendingHandler(svc.Trees, svc.Accounts, logger)
	treeHandler := handlers.NewTreeHandler(svc.Trees, svc.TreeAdmin, svc.Accounts, logger)

	router.GET("/healthz", healthHandler.Health)

	// Reset links as mailed out
	reset := router.Group("/pwreset/:slug")
	{
		reset.GET("/:uid/:token", passwordHandler.CheckReset)
		reset.POST("/:uid", passwordHandler.Reset)
	}

	public := router.Group("/api/v1/trees/:slug")
	{
		public.GET("", signupHandler.GetTree)
		public.POST("/signup/lookup", signupHandler.Lookup)
		public.POST("/signup", signupHandler.Signup)
		public.POST("/forgotten", passwordHandler.Forgotten)
		public.POST("/password", passwordHandler.ChangePassword)
	}

	staff := router.Group("/api/v1")
	staff.Use(middleware.AuthMiddleware(cfg), middleware.RequireStaff())
	{
		staff.GET("/auth/me", authHandler.GetCurrentUser)

		staff.GET("/trees", treeHandler.ListTrees)
		staff.GET("/trees/:slug/groups", treeHandler.ListGroups)
		staff.DELETE("/trees/:slug", middleware.RequireRole(auth.RoleAdmin), treeHandler.DeleteTree)

		staff.GET("/trees/:slug/pending", pendingHandler.ListPending)
		staff.POST("/trees/:slug/pending/:uid/accept", pendingHandler.Accept)
		staff.POST("/trees/:slug/pending/:uid/reject", pendingHandler.Reject)
		staff.DELETE("/trees/:slug/pending/:uid", pendingHandler.Discard)
	}

	return router
}
