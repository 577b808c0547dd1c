package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth handles the GET /health endpoint
func (app *application) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(app.StartTime).String(),
		"sessions": app.Manager.Len(),
		"engines":  app.Engines.Len(),
	})
}
