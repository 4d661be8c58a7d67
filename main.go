package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"episode-harvester/browser"
	"episode-harvester/commands"
)

func main() {
	// Create context with cancel for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		slog.Warn("received signal, shutting down", "signal", sig)
		cancel()
		browser.StopDockerChrome(slog.Default())
		// Allow some time for cleanup then exit if it takes too long
		time.Sleep(5 * time.Second)
		os.Exit(1)
	}()

	commands.ExecuteContext(ctx)
}
