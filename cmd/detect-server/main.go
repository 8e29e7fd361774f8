// Command detect-server runs a standalone NAT detection server,
// choosing its Store backend from config.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/nmerryman/antt-go/config"
	"github.com/nmerryman/antt-go/detect"
)

func main() {
	cfgPath := flag.String("config", "", "path to antt.toml (optional)")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "detect-server",
	})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", "err", err)
	}

	store, err := openStore(cfg.Detect, logger)
	if err != nil {
		logger.Fatal("open store", "err", err)
	}

	srv, err := detect.Listen(cfg.ToDetectConfig(), store, logger)
	if err != nil {
		logger.Fatal("listen", "err", err)
	}
	srv.Start()
	logger.Info("detection server running",
		"root_port", cfg.Detect.RootPort, "a_port", cfg.Detect.APort,
		"b_port", cfg.Detect.BPort, "c_port", cfg.Detect.CPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := srv.Close(); err != nil {
		logger.Error("close", "err", err)
	}
}

func openStore(cfg config.DetectConfig, logger *log.Logger) (detect.Store, error) {
	switch cfg.StoreKind {
	case "", "memory":
		return nil, nil // detect.Listen defaults to an in-memory store
	case "bbolt":
		return detect.OpenBboltStore(cfg.BboltPath)
	case "postgres":
		return detect.OpenPgxStore(context.Background(), cfg.PostgresDSN)
	default:
		logger.Warn("unknown store_kind, defaulting to memory", "store_kind", cfg.StoreKind)
		return nil, nil
	}
}
