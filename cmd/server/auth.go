package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tecu23/chess-relay/pkg/service"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (app *application) handleRegister(c *gin.Context) {
	var in service.RegisterInput
	if !app.bind(c, &in) {
		return
	}

	res, err := app.Users.Register(c.Request.Context(), in)
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (app *application) handleLogin(c *gin.Context) {
	var in loginRequest
	if !app.bind(c, &in) {
		return
	}

	res, err := app.Users.Login(c.Request.Context(), in.Username, in.Password)
	if err != nil {
		app.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
