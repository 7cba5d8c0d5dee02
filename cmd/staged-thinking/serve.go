package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tjfontaine/staged-thinking-gateway/pkg/gateway"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd runs the gateway until interrupted.
type ServeCmd struct{}

func (s *ServeCmd) Run(g *Global, root *CLI) error {
	gw, err := gateway.New(
		gateway.WithFileConfig(root.Config),
		gateway.WithLogger(g.Logger),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		gw.Shutdown(shutdownCtx)
		return fmt.Errorf("start gateway: %w", err)
	}

	<-ctx.Done()
	g.Logger.Info("shutdown signal received, stopping gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		g.Logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
