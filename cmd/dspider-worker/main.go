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
	"github.com/ternarybob/dspider/internal/spider"
	"github.com/ternarybob/dspider/internal/worker"
)

var (
	configDir   = flag.String("config", "", "Configuration directory (file chosen by DSPIDER_ENV)")
	spiderName  = flag.String("spider", "", "Spider strategy to run (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("dspider-worker version %s\n", common.GetVersion())
		os.Exit(0)
	}

	cfg, err := common.LoadConfig(*configDir)
	if err != nil {
		common.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *spiderName != "" {
		cfg.Worker.SpiderName = *spiderName
	}
	logger := common.InitLogger(cfg.Logging)
	common.PrintBanner("worker")

	application, err := app.New(cfg, logger, app.Components{
		Broker:  true,
		Docs:    true,
		Objects: true,
		Fetcher: true,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	defer application.Close(context.Background())

	executor, err := worker.New(cfg.Worker, application.Broker,
		spider.Deps{
			Docs:    application.Docs,
			Objects: application.Objects,
			Fetcher: application.Fetcher,
			Logger:  logger,
		},
		spider.Options{
			Bucket:         cfg.Minio.Bucket,
			PageDelay:      cfg.Worker.PageDelay,
			RequestTimeout: cfg.Worker.Timeout,
			Proxy:          cfg.Worker.Proxy,
		})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize worker")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("env", common.CurrentEnv()).
		Str("spider", cfg.Worker.SpiderName).
		Msg("Worker starting")
	if err := executor.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker consume loop failed")
		os.Exit(1)
	}

	logger.Info().Msg("Shutting down worker")
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	application.Close(closeCtx)
}
