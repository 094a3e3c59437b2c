package worker

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
	"github.com/ternarybob/dspider/internal/spider"
	"github.com/ternarybob/dspider/internal/storage/mongo"
)

// Executor consumes the task queue and dispatches each task to one named
// spider strategy. One executor is one serial consumer; run several
// processes for parallelism.
type Executor struct {
	cfg      common.WorkerConfig
	broker   interfaces.Broker
	docs     interfaces.DocumentStore
	spider   interfaces.Spider
	logger   arbor.ILogger
	workerID string
}

// New resolves the configured spider strategy and binds it to the
// collaborators. An unregistered spider name fails here, before any message
// is consumed.
func New(cfg common.WorkerConfig, broker interfaces.Broker, deps spider.Deps, opts spider.Options) (*Executor, error) {
	sp, err := spider.New(cfg.SpiderName, deps, opts)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	return &Executor{
		cfg:      cfg,
		broker:   broker,
		docs:     deps.Docs,
		spider:   sp,
		logger:   deps.Logger,
		workerID: host + "-" + common.ShortID(),
	}, nil
}

// Run declares the topology and blocks consuming tasks until ctx is
// cancelled. The in-flight task finishes (ack or nack) before return.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.setupTopology(); err != nil {
		return err
	}

	e.logger.Info().
		Str("worker_id", e.workerID).
		Str("spider", e.spider.Name()).
		Str("queue", e.cfg.TaskQueue).
		Int("prefetch", e.cfg.PrefetchCount).
		Msg("Worker consuming tasks")

	return e.broker.Consume(ctx, e.cfg.TaskQueue, e.cfg.PrefetchCount, e.handle)
}

func (e *Executor) setupTopology() error {
	if err := e.broker.DeclareQueue(e.cfg.TaskQueue); err != nil {
		return err
	}
	if err := e.broker.DeclareQueue(e.cfg.ResultQueue); err != nil {
		return err
	}
	if e.cfg.ResultExchange == "" {
		return nil
	}
	if err := e.broker.DeclareExchange(e.cfg.ResultExchange); err != nil {
		return err
	}
	return e.broker.BindQueue(e.cfg.ResultQueue, e.cfg.ResultExchange, e.cfg.ResultRoutingKey)
}

// handle processes one task delivery. Terminal outcomes (clean run or
// permanent error) ack and move the config to its terminal state; transient
// collaborator errors nack with requeue and leave the state alone.
func (e *Executor) handle(ctx context.Context, d interfaces.Delivery) interfaces.AckDecision {
	var task models.Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		e.logger.Error().
			Err(err).
			Bool("redelivered", d.Redelivered).
			Msg("Undecodable task payload, discarding")
		return interfaces.NackDiscard
	}

	e.logger.Info().
		Str("task_id", task.TaskID).
		Str("datasource", task.DatasourceConfig.ID).
		Int("round", task.DatasourceConfig.Round).
		Msg("Task received")

	e.transition(ctx, task, models.StateInProgress)

	stat, err := e.spider.Start(ctx, task)
	if stat == nil {
		stat = models.NewCrawlStatistic()
	}

	switch {
	case err == nil:
		e.transition(ctx, task, models.StateDone)
		e.publishReport(task, stat, false)
		return interfaces.Ack
	case common.IsTransient(err):
		e.logger.Warn().
			Str("task_id", task.TaskID).
			Str("kind", common.KindOf(err).String()).
			Err(err).
			Msg("Transient failure, requeueing task")
		return interfaces.NackRequeue
	default:
		// Permanent for this config: no page variable, bad schema, bad
		// payload. Redelivery cannot fix it.
		e.logger.Error().
			Str("task_id", task.TaskID).
			Str("datasource", task.DatasourceConfig.ID).
			Str("kind", common.KindOf(err).String()).
			Err(err).
			Msg("Permanent failure, marking config failed")
		e.transition(ctx, task, models.StateFailed)
		e.publishReport(task, stat, true)
		return interfaces.Ack
	}
}

// transition moves the datasource config to the given state. State updates
// are advisory; a miss is logged and processing continues.
func (e *Executor) transition(ctx context.Context, task models.Task, state models.ConfigState) {
	res, err := e.docs.UpdateOne(ctx, mongo.CollDatasourceConfig,
		interfaces.Filter{"id": task.DatasourceConfig.ID},
		interfaces.Patch{"$set": map[string]any{
			"state":       state,
			"update_time": time.Now(),
		}})
	if err != nil {
		e.logger.Warn().
			Str("datasource", task.DatasourceConfig.ID).
			Str("state", state.String()).
			Err(err).
			Msg("State transition not persisted")
		return
	}
	if res.Matched == 0 {
		e.logger.Debug().
			Str("datasource", task.DatasourceConfig.ID).
			Str("state", state.String()).
			Msg("State transition matched no row")
	}
}

// publishReport ships the run statistic to the result queue. Publishing is
// fire-and-forget so a slow broker never blocks the next task.
func (e *Executor) publishReport(task models.Task, stat *models.CrawlStatistic, failed bool) {
	report := models.RunReport{
		RunID:        common.ShortID(),
		TaskID:       task.TaskID,
		DatasourceID: task.DatasourceConfig.ID,
		WorkerID:     e.workerID,
		Spider:       e.spider.Name(),
		Round:        task.DatasourceConfig.Round,
		Total:        stat.Total,
		Success:      stat.Success,
		Fail:         stat.Fail,
		StopReason:   stat.StopReason,
		Failed:       failed,
		FinishedAt:   time.Now(),
	}

	common.SafeGo(e.logger, "publish-run-report", func() {
		body, err := json.Marshal(report)
		if err != nil {
			e.logger.Error().Err(err).Msg("Run report marshal failed")
			return
		}

		exchange, routingKey := "", e.cfg.ResultQueue
		if e.cfg.ResultExchange != "" {
			exchange, routingKey = e.cfg.ResultExchange, e.cfg.ResultRoutingKey
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.broker.Publish(ctx, exchange, routingKey, body, interfaces.PublishOptions{Persistent: true}); err != nil {
			e.logger.Warn().
				Str("task_id", report.TaskID).
				Err(err).
				Msg("Run report not published")
		}
	})
}
