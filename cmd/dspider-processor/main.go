package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/dspider/internal/app"
	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/processor"
)

var (
	configDir   = flag.String("config", "", "Configuration directory (file chosen by DSPIDER_ENV)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("dspider-processor version %s\n", common.GetVersion())
		os.Exit(0)
	}

	cfg, err := common.LoadConfig(*configDir)
	if err != nil {
		common.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	logger := common.InitLogger(cfg.Logging)
	common.PrintBanner("processor")

	application, err := app.New(cfg, logger, app.Components{Broker: true, Docs: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	proc := processor.New(cfg.Processor, application.Broker, application.Docs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("env", common.CurrentEnv()).Msg("Processor starting")
	if err := proc.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Processor consume loop failed")
		application.Close(context.Background())
		os.Exit(1)
	}

	logger.Info().Msg("Shutting down processor")
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	application.Close(closeCtx)
}
