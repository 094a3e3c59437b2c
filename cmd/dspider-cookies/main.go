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
	"github.com/ternarybob/dspider/internal/cookies"
)

var (
	configDir   = flag.String("config", "", "Configuration directory (file chosen by DSPIDER_ENV)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("dspider-cookies version %s\n", common.GetVersion())
		os.Exit(0)
	}

	cfg, err := common.LoadConfig(*configDir)
	if err != nil {
		common.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	logger := common.InitLogger(cfg.Logging)
	common.PrintBanner("cookies")

	application, err := app.New(cfg, logger, app.Components{Broker: true, Docs: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	refresher := cookies.NewRefresher(cfg.Cookies, application.Broker, application.Docs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("env", common.CurrentEnv()).Msg("Cookie refresher starting")
	if err := refresher.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Cookie refresher failed")
		application.Close(context.Background())
		os.Exit(1)
	}

	logger.Info().Msg("Shutting down cookie refresher")
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	application.Close(closeCtx)
}
