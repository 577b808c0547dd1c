package main

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (app *application) routes() http.Handler {
	if !app.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), app.requestLogger(), cors.New(app.corsConfig()))

	r.GET("/health", app.handleHealth)
	r.GET("/metrics", app.requireAPIKey(), gin.WrapH(app.Metrics.Handler()))
	r.GET("/ws", app.handleWebSocket)

	api := r.Group("/api")
	{
		authRoutes := api.Group("/auth")
		authRoutes.POST("/register", app.handleRegister)
		authRoutes.POST("/login", app.handleLogin)

		users := api.Group("/users", app.requireAuth())
		users.GET("/profile", app.handleProfile)
		users.GET("/games", app.handleHistory)
		users.GET("/stats", app.handleStats)

		games := api.Group("/games", app.requireAuth())
		games.POST("", app.handleCreateGame)
		games.GET("/user/active", app.handleActiveGames)
		games.GET("/:id", app.handleGetGame)
		games.PATCH("/:id/status", app.handleUpdateStatus)
		games.POST("/:id/join", app.handleJoinGame)
	}

	return r
}

func (app *application) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if app.Config.FrontendOrigin != "" {
		cfg.AllowOrigins = []string{app.Config.FrontendOrigin}
		cfg.AllowCredentials = true
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Api-Key"}
	return cfg
}
