package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tecu23/chess-relay/pkg/service"
)

func (app *application) handleCreateGame(c *gin.Context) {
	var in service.CreateGameInput
	if !app.bind(c, &in) {
		return
	}

	g, err := app.Games.Create(c.Request.Context(), userID(c), in)
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (app *application) handleActiveGames(c *gin.Context) {
	games, err := app.Games.ActiveGames(c.Request.Context(), userID(c))
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, games)
}

func (app *application) handleGetGame(c *gin.Context) {
	g, err := app.Games.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (app *application) handleUpdateStatus(c *gin.Context) {
	var in service.UpdateStatusInput
	if !app.bind(c, &in) {
		return
	}

	g, err := app.Games.UpdateStatus(c.Request.Context(), c.Param("id"), userID(c), in)
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (app *application) handleJoinGame(c *gin.Context) {
	g, err := app.Games.Join(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}
