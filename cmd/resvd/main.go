// Package main implements the resvd reservation daemon entry point.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/config"
	"github.com/opentorque/resv/internal/server"
	"github.com/opentorque/resv/pkg/dlog"
)

var version = "dev"

func main() {
	home := flag.String("d", "/var/spool/resvd", "Daemon home directory")
	cfgPath := flag.String("c", "", "Configuration file (default <home>/resvd.yaml)")
	debug := flag.Bool("D", false, "Debug mode (verbose logging to stderr)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("resvd version %s\n", version)
		os.Exit(0)
	}

	cfg := config.NewConfig(*home)
	cfg.Debug = *debug
	if *cfgPath == "" {
		*cfgPath = filepath.Join(*home, "resvd.yaml")
	}
	if err := cfg.Load(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "resvd: %v\n", err)
		os.Exit(1)
	}

	log, dl, err := dlog.Setup(cfg.LogDir, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resvd: %v\n", err)
		os.Exit(1)
	}
	defer dl.Close()
	defer log.Sync()
	log.Info("resvd starting", zap.String("version", version), zap.String("config", *cfgPath))

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info("Received SIGHUP, reloading associations")
			if err := srv.Reload(); err != nil {
				log.Error("Reload failed", zap.Error(err))
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			srv.Shutdown()
			return
		}
	}
}
