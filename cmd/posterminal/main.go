// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/davitacols/supawave-sub002/internal/config"
	"github.com/davitacols/supawave-sub002/internal/logging"
	"github.com/davitacols/supawave-sub002/peripheral"
	"github.com/davitacols/supawave-sub002/terminal"
)

func main() {
	var (
		configFlag  = flag.String("config", "", "Path to YAML config file")
		offlineFlag = flag.Bool("offline", false, "Start without probing the server")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Close()

	scanner := peripheral.NewLineScanner("stdin", os.Stdin, logger.Logger)
	term, err := terminal.Open(cfg, terminal.Options{Scanner: scanner, Logger: logger.Logger})
	if err != nil {
		logger.Error("Failed to open terminal", "error", err)
		os.Exit(1)
	}
	defer term.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*offlineFlag {
		if err := term.Start(ctx); err != nil {
			logger.Error("Failed to start sync engine", "error", err)
			os.Exit(1)
		}
	}

	lines, err := scanner.Start(ctx)
	if err != nil {
		logger.Error("Failed to start scanner", "error", err)
		os.Exit(1)
	}

	c := newConsole(term, os.Stdout)
	fmt.Fprintf(os.Stdout, "%s ready. Scan a barcode or type 'help'.\n", cfg.Business.Name)
	for line := range lines {
		if c.handle(ctx, line) {
			break
		}
	}
	logger.Info("terminal shutting down")
}
