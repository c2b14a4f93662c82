// Command relayhub runs the audio relay hub: an HTTP+websocket server that
// accepts source and listener connections and fans raw PCM frames out
// between them without ever transcoding them (spec §1).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/kira666-sentient/audiorelay/internal/config"
	"github.com/kira666-sentient/audiorelay/internal/httpapi"
	"github.com/kira666-sentient/audiorelay/internal/hub"
	"github.com/kira666-sentient/audiorelay/internal/metrics"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()

	counters := &metrics.Counters{}
	h := hub.New(hub.Config{
		MaxPacketsPerSec: cfg.MaxPacketsPerSec,
		HistoryMax:       cfg.HistoryMax,
		HistoryAge:       cfg.HistoryAge,
	}, counters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	go metrics.Run(ctx, counters, 5*time.Second)

	srv := httpapi.New(h, cfg.AllowedOrigins)
	slog.Info("relay hub listening", "port", cfg.Port, "allowed_origins", cfg.AllowedOrigins)
	if err := srv.Run(ctx, ":"+cfg.Port); err != nil {
		slog.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}
