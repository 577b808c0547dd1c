package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (app *application) handleProfile(c *gin.Context) {
	profile, err := app.Users.Profile(c.Request.Context(), userID(c))
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (app *application) handleHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	history, err := app.Users.History(c.Request.Context(), userID(c), page, limit)
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (app *application) handleStats(c *gin.Context) {
	stats, err := app.Users.Stats(c.Request.Context(), userID(c))
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
