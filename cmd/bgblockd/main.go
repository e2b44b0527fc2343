// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command bgblockd is the block-management core's daemon: it loads a
// bluegene.conf-style configuration, composes an internal/engine.Engine
// against a controller bridge, starts the health pollers, and serves a
// read-only HTTP introspection surface for operators and monitoring. It
// is not the out-of-scope RPC/CLI surface (§1) — nothing here accepts a
// job submission or drives allocation from the network.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SchedMD/slurm-sub061/internal/block"
	fakebridge "github.com/SchedMD/slurm-sub061/internal/bridge/fake"
	"github.com/SchedMD/slurm-sub061/internal/config"
	"github.com/SchedMD/slurm-sub061/internal/engine"
	"github.com/SchedMD/slurm-sub061/pkg/logging"
)

var (
	// Version is set at build time via -ldflags.
	Version = "dev"

	configPath string
	addr       string
	dims       string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:     "bgblockd",
	Short:   "BlueGene-class torus block-management daemon",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load configuration, reconcile block state, and serve introspection endpoints",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json")

	serveCmd.Flags().StringVar(&configPath, "config", "/etc/bluegene.conf", "path to the bluegene.conf-style configuration file")
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address for the introspection surface")
	serveCmd.Flags().StringVar(&dims, "dims", "1x1x1", "torus dimensions (XxYxZ) reported by the controller bridge stand-in; ignored once a real bridge is wired in")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(&logging.Config{
		Level:  parseLevel(logLevel),
		Format: logging.Format(logFormat),
		Output: os.Stdout,
	})

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("bgblockd: %w", err)
	}
	cfg, err := config.Load(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("bgblockd: %w", err)
	}

	machineDims, err := parseDims(dims)
	if err != nil {
		return fmt.Errorf("bgblockd: %w", err)
	}

	// internal/bridge's ControllerBridge is the out-of-scope hardware
	// controller (§1): a real deployment injects an adapter that talks
	// to the controller over its own wire protocol. Until one exists in
	// this tree, the fake in-memory bridge seeded from --dims stands in
	// for it, exercising the exact same interface every other module
	// depends on.
	rawBridge := fakebridge.New(fakebridge.MachineInfo{
		Dims:         machineDims,
		NodesPerBP:   cfg.BasePartitionNodeCnt,
		NodecardSize: cfg.NodeCardNodeCnt,
		Numpsets:     cfg.Numpsets,
	})

	deps := engine.Dependencies{
		JobFailer:   loggingJobFailer{logger: logger},
		NodeDrainer: loggingNodeDrainer{logger: logger},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, rawBridge, deps, logger)
	if err != nil {
		return fmt.Errorf("bgblockd: %w", err)
	}
	eng.Run(ctx)
	logger.Info("engine started", "layout", cfg.LayoutMode, "blocks", len(eng.Registry.List(nil)))

	srv := &http.Server{
		Addr:    addr,
		Handler: newRouter(eng),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	eng.Stop()
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDims(s string) (block.Coord, error) {
	var x, y, z int
	if _, err := fmt.Sscanf(s, "%dx%dx%d", &x, &y, &z); err != nil {
		return block.Coord{}, fmt.Errorf("dims %q must be of the form XxYxZ: %w", s, err)
	}
	return block.Coord{X: x, Y: y, Z: z}, nil
}
