package master

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
	"github.com/ternarybob/dspider/internal/storage/mongo"
)

const maxBrokerPriority = 10

// BrokerFactory rebuilds the broker client after repeated failures.
type BrokerFactory func() (interfaces.Broker, error)

// StoreFactory rebuilds the document-store client after repeated failures.
type StoreFactory func() (interfaces.DocumentStore, error)

// Master polls datasource configs in READY or RETRY state and publishes them
// as tasks, promoting each config to DISPATCHED with a compare-and-set so two
// masters cannot both claim the same row unnoticed.
type Master struct {
	cfg    common.MasterConfig
	logger arbor.ILogger

	newBroker BrokerFactory
	newStore  StoreFactory

	broker interfaces.Broker
	docs   interfaces.DocumentStore

	consecFails int
}

// New wires a Master from its client factories. Both factories are invoked
// once up front so startup fails fast on bad connectivity.
func New(cfg common.MasterConfig, newBroker BrokerFactory, newStore StoreFactory, logger arbor.ILogger) (*Master, error) {
	broker, err := newBroker()
	if err != nil {
		return nil, err
	}
	docs, err := newStore()
	if err != nil {
		broker.Close()
		return nil, err
	}
	return &Master{
		cfg:       cfg,
		logger:    logger,
		newBroker: newBroker,
		newStore:  newStore,
		broker:    broker,
		docs:      docs,
	}, nil
}

// Run is the blocking poll loop. It returns when ctx is cancelled, always
// finishing the in-flight batch first.
func (m *Master) Run(ctx context.Context) error {
	if err := m.setupTopology(); err != nil {
		return err
	}

	m.logger.Info().
		Str("queue", m.cfg.TaskQueue).
		Int("batch_size", m.cfg.TaskBatchSize).
		Str("poll_interval", m.cfg.PollingInterval.String()).
		Msg("Master poll loop started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		dispatched, err := m.iterate(ctx)
		if err != nil {
			m.consecFails++
			m.logger.Warn().
				Err(err).
				Int("consecutive_failures", m.consecFails).
				Msg("Dispatch iteration failed")
			if m.consecFails >= m.cfg.MaxConsecFails {
				m.rebuildClients()
			}
		} else {
			m.consecFails = 0
			if dispatched > 0 {
				m.logger.Info().Int("dispatched", dispatched).Msg("Batch dispatched")
			}
		}

		// A busy master keeps going, but never faster than one batch per
		// poll interval; an idle one just sleeps the interval out.
		pause := m.cfg.PollingInterval - time.Since(started)
		if dispatched == 0 || err != nil {
			pause = m.cfg.PollingInterval
		}
		if pause > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pause):
			}
		}
	}
}

// Close releases both clients.
func (m *Master) Close(ctx context.Context) {
	if m.broker != nil {
		_ = m.broker.Close()
	}
	if m.docs != nil {
		_ = m.docs.Close(ctx)
	}
}

// setupTopology declares the task queue and, when configured, the exchange
// and binding. Publishing without an exchange goes straight to the queue.
func (m *Master) setupTopology() error {
	if err := m.broker.DeclareQueue(m.cfg.TaskQueue); err != nil {
		return err
	}
	if m.cfg.ExchangeName == "" {
		return nil
	}
	if err := m.broker.DeclareExchange(m.cfg.ExchangeName); err != nil {
		return err
	}
	return m.broker.BindQueue(m.cfg.TaskQueue, m.cfg.ExchangeName, m.cfg.RoutingKey)
}

// iterate runs one claim-publish-promote batch and returns how many configs
// it dispatched.
func (m *Master) iterate(ctx context.Context) (int, error) {
	var configs []models.DatasourceConfig
	err := m.docs.Find(ctx, mongo.CollDatasourceConfig,
		interfaces.Filter{"state": interfaces.Filter{"$in": []models.ConfigState{models.StateReady, models.StateRetry}}},
		interfaces.FindOptions{
			Limit: int64(m.cfg.TaskBatchSize),
			Sort: []interfaces.SortField{
				{Key: "priority", Desc: true},
				{Key: "id"},
			},
		},
		&configs)
	if err != nil {
		return 0, err
	}
	if len(configs) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, cfg := range configs {
		if err := m.dispatchOne(ctx, cfg); err != nil {
			// A publish failure aborts the batch; configs promoted so far
			// stay promoted.
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// dispatchOne publishes one config as a task and promotes it to DISPATCHED.
// Promotion is conditional on the state still being what we read; a zero
// match means another master claimed the row first, which is fine.
func (m *Master) dispatchOne(ctx context.Context, cfg models.DatasourceConfig) error {
	now := time.Now()
	task := models.NewTask(cfg, now)
	body, err := json.Marshal(task)
	if err != nil {
		return common.Wrap(common.KindProtocol, fmt.Sprintf("marshal task %s", cfg.ID), err)
	}

	exchange, routingKey := "", m.cfg.TaskQueue
	if m.cfg.ExchangeName != "" {
		exchange, routingKey = m.cfg.ExchangeName, m.cfg.RoutingKey
	}
	err = m.broker.Publish(ctx, exchange, routingKey, body, interfaces.PublishOptions{
		Priority:   clampPriority(cfg.Priority),
		Persistent: true,
	})
	if err != nil {
		return err
	}

	res, err := m.docs.UpdateOne(ctx, mongo.CollDatasourceConfig,
		interfaces.Filter{"id": cfg.ID, "state": cfg.State},
		interfaces.Patch{"$set": map[string]any{
			"state":          models.StateDispatched,
			"distributed_at": now,
			"update_time":    now,
		}})
	if err != nil {
		// Already published; duplicate dispatch beats silent loss because
		// downstream persistence is content-addressed. Leave a trace for the
		// operator and move on.
		m.logger.Error().
			Str("datasource", cfg.ID).
			Err(err).
			Msg("Published task but state promotion failed, row may be re-dispatched")
		return nil
	}
	if res.Matched == 0 {
		m.logger.Debug().
			Str("datasource", cfg.ID).
			Msg("Row claimed by another master, skipping promotion")
	}
	return nil
}

// rebuildClients tears both clients down and reconnects from scratch.
func (m *Master) rebuildClients() {
	m.logger.Warn().
		Int("consecutive_failures", m.consecFails).
		Msg("Rebuilding broker and datastore clients")

	if m.broker != nil {
		_ = m.broker.Close()
	}
	if m.docs != nil {
		_ = m.docs.Close(context.Background())
	}

	broker, err := m.newBroker()
	if err != nil {
		m.logger.Error().Err(err).Msg("Broker rebuild failed, keeping old client slot empty until next cycle")
	} else {
		m.broker = broker
		if err := m.setupTopology(); err != nil {
			m.logger.Error().Err(err).Msg("Topology redeclare failed after rebuild")
		}
	}

	docs, err := m.newStore()
	if err != nil {
		m.logger.Error().Err(err).Msg("Datastore rebuild failed, keeping old client slot empty until next cycle")
	} else {
		m.docs = docs
	}
	m.consecFails = 0
}

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > maxBrokerPriority {
		return maxBrokerPriority
	}
	return uint8(p)
}
