package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
	"github.com/tecu23/chess-relay/pkg/server"
)

// handleWebSocket upgrades the request. A ?token= binds the connection to a
// player; without one the connection is anonymous.
func (app *application) handleWebSocket(c *gin.Context) {
	var identity server.Identity

	if token := c.Query("token"); token != "" {
		claims, err := app.Tokens.Parse(token)
		if err != nil {
			app.fail(c, apperr.Unauthenticated("invalid or expired token"))
			return
		}
		identity = server.Identity{UserID: claims.UserID, Username: claims.Username}
	}

	// Upgrade HTTP connection to WebSocket
	ws, err := app.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		app.Logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	// Create and register connection
	conn := server.NewConnection(ws, app.Hub, identity, app.Logger)
	app.Hub.Register(conn)

	app.Logger.Info("WebSocket connection established",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", identity.UserID),
		zap.String("remote_addr", c.ClientIP()),
	)

	// Start connection read/write goroutines
	go conn.WritePump()
	go conn.ReadPump()
}

func (app *application) checkOrigin(r *http.Request) bool {
	if app.Config.FrontendOrigin == "" {
		return true
	}
	return r.Header.Get("Origin") == app.Config.FrontendOrigin
}
