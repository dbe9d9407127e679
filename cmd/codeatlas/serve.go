package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evalgo/codeatlas/health"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve [run-id]",
	Short: "Run every worker pool plus the outbox publisher and graph ingestor",
	Long: `serve starts every worker pool at the concurrency spec.md §6 prescribes,
along with the Outbox Publisher and Graph Ingestor poll loops, and an HTTP
server exposing /healthz and /readyz. It blocks until interrupted.

run-id scopes the Graph Ingestor's refactor-queue polling to one run; pass
the run id "codeatlas scan" printed, or omit it to process whatever run ids
already have queued work (the ingestor is keyed per run, so a multi-tenant
deployment runs one "serve" per run id).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	runID := ""
	if len(args) == 1 {
		runID = args[0]
	}

	p := newPipeline(c)
	p.Start(ctx, runID)
	defer p.Stop()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	checker := health.NewChecker("codeatlas", "dev")
	checker.Register("store", c.store)
	checker.Register("bus", c.bus)
	checker.Register("graph", c.graph)
	checker.RegisterRoutes(e)

	addr := viper.GetString("health-addr")
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			c.log.WithError(err).Fatal("health server failed")
		}
	}()

	c.log.WithField("addr", addr).Info("codeatlas serving")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	c.log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health server shutdown: %w", err)
	}
	return nil
}
