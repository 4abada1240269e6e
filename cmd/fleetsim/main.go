// Command fleetsim runs one node of a simulated IoT device fleet.
//
// Usage:
//
//	fleetsim -config fleetsim.yaml
//
// Every setting can be overridden with a FLEETSIM_* environment variable,
// for example FLEETSIM_STORE_BACKEND=postgres FLEETSIM_STORE_DSN=postgres://... fleetsim.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/getpup/fleetsim/config"
	"github.com/getpup/fleetsim/internal/app"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	node.Logger.Info(ctx, "fleetsim starting", "version", version)

	runErr := node.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, node.Close(context.Background()))
}
