package main

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tecu23/chess-relay/internal/apperr"
)

// fail writes err as {"error", "kind"} with the status of its kind
func (app *application) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		app.Logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error": apperr.Message(err),
		"kind":  apperr.KindOf(err),
	})
}

// bind decodes the JSON body into v
func (app *application) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		app.fail(c, apperr.Validation("invalid request body"))
		return false
	}
	return true
}
