package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/mwinther/hpgate/config"
	"github.com/mwinther/hpgate/gateway"
	"github.com/mwinther/hpgate/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "gateway.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}

	if *configCheck {
		regs, err := cfg.RegisterMap()
		if err != nil {
			fmt.Fprintf(os.Stderr, "register map invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration OK: %d registers, scan interval %s\n", len(regs.Descriptors()), cfg.ScanInterval.Duration)
		os.Exit(0)
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gateway")
	}
	defer gw.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("gateway stopped with error")
	}
}
