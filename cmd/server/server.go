package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 20 * time.Second

// serve runs the http server until SIGINT or SIGTERM, then drains it and
// shuts the components down
func (app *application) serve() error {
	app.Server = &http.Server{
		Addr:              ":" + app.Config.Port,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listenErr := make(chan error, 1)
	go func() {
		app.Logger.Info("Starting server",
			zap.String("address", app.Server.Addr),
			zap.Bool("debug", app.Config.Debug),
		)
		listenErr <- app.Server.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return multierr.Append(err, app.Shutdown())
		}
	case <-ctx.Done():
		app.Logger.Info("Shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := app.Server.Shutdown(shutdownCtx)
	if err != nil {
		app.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := multierr.Append(err, app.Shutdown()); err != nil {
		return err
	}

	app.Logger.Info("Server stopped gracefully")
	return nil
}
