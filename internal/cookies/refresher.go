package cookies

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
	"github.com/ternarybob/dspider/internal/storage/mongo"
)

// Refresher periodically scans the datasource configs and enqueues one
// browser job per config so BrowserWorkers can refresh captured headers. It
// never touches crawl state; the only field it feeds downstream is
// request_params.headers.
type Refresher struct {
	cfg    common.CookiesConfig
	broker interfaces.Broker
	docs   interfaces.DocumentStore
	logger arbor.ILogger
}

func NewRefresher(cfg common.CookiesConfig, broker interfaces.Broker, docs interfaces.DocumentStore, logger arbor.ILogger) *Refresher {
	return &Refresher{cfg: cfg, broker: broker, docs: docs, logger: logger}
}

// Run blocks, enqueueing a full scan either on the configured cron schedule
// or every update interval. The first scan runs immediately.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.broker.DeclareQueue(r.cfg.Queue); err != nil {
		return err
	}

	r.enqueueAll(ctx)

	if r.cfg.CronSchedule != "" {
		return r.runCron(ctx)
	}
	return r.runTicker(ctx)
}

func (r *Refresher) runCron(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.CronSchedule, func() { r.enqueueAll(ctx) })
	if err != nil {
		return common.Wrap(common.KindConfig, "parse cookie refresh cron schedule", err)
	}

	r.logger.Info().Str("schedule", r.cfg.CronSchedule).Msg("Cookie refresh running on cron schedule")
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

func (r *Refresher) runTicker(ctx context.Context) error {
	r.logger.Info().Str("interval", r.cfg.UpdateInterval.String()).Msg("Cookie refresh running on fixed interval")

	ticker := time.NewTicker(r.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.enqueueAll(ctx)
		}
	}
}

// enqueueAll reads every datasource config and publishes each as a browser
// job. Scan failures are logged and retried on the next tick.
func (r *Refresher) enqueueAll(ctx context.Context) {
	var configs []models.DatasourceConfig
	err := r.docs.Find(ctx, mongo.CollDatasourceConfig, interfaces.Filter{}, interfaces.FindOptions{}, &configs)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Datasource scan failed, skipping this refresh cycle")
		return
	}

	published := 0
	for _, cfg := range configs {
		body, err := json.Marshal(cfg)
		if err != nil {
			r.logger.Warn().Str("datasource", cfg.ID).Err(err).Msg("Config not serializable, skipping")
			continue
		}
		if err := r.broker.Publish(ctx, "", r.cfg.Queue, body, interfaces.PublishOptions{Persistent: true}); err != nil {
			r.logger.Warn().Str("datasource", cfg.ID).Err(err).Msg("Browser job not published")
			continue
		}
		published++
	}

	r.logger.Info().
		Int("configs", len(configs)).
		Int("published", published).
		Msg("Cookie refresh cycle enqueued")
}
