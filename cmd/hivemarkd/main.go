package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivemark/hivemark/internal/app"
	"github.com/hivemark/hivemark/internal/config"
	"github.com/hivemark/hivemark/internal/version"
)

func main() {
	configPath := flag.String("config", "hivemark.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hivemarkd %s (%s, %s)\n", version.Version, version.GitCommit, version.BuildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				slog.Error("server stopped", "error", err)
				os.Exit(1)
			}
			return
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, scheduling sync")
				a.TriggerSync()
				continue
			}

			slog.Info("received shutdown signal", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := a.Shutdown(ctx)
			cancel()
			if err != nil {
				slog.Error("shutdown incomplete", "error", err)
				os.Exit(1)
			}
			return
		}
	}
}
