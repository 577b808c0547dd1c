package main

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
)

const (
	ctxUserID   = "userID"
	ctxUsername = "username"
)

// requireAuth accepts "Authorization: Bearer <jwt>" and stores the caller in
// the context
func (app *application) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			app.fail(c, apperr.Unauthenticated("authorization header is required"))
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			app.fail(c, apperr.Unauthenticated("invalid token format"))
			return
		}

		claims, err := app.Tokens.Parse(token)
		if err != nil {
			app.fail(c, apperr.Unauthenticated("invalid or expired token"))
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Next()
	}
}

// requireAPIKey guards operator endpoints when keys are configured
func (app *application) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !app.APIKeys.Enabled() {
			c.Next()
			return
		}

		if app.APIKeys.IsValidKey(c.GetHeader("X-Api-Key")) {
			c.Next()
			return
		}

		app.Logger.Warn(
			"Authentication failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("remote_addr", c.ClientIP()),
		)
		c.Header("WWW-Authenticate", "APIKey")
		app.fail(c, apperr.Unauthenticated("invalid API key"))
	}
}

// requestLogger logs every request and feeds the latency histogram
func (app *application) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		app.Metrics.ObserveRequest(c.Request.Method, route, status, elapsed)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
		}
		if status >= 500 {
			app.Logger.Warn("request", fields...)
			return
		}
		app.Logger.Debug("request", fields...)
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
