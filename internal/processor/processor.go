package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
)

// Processor drains the spider result queue and batch-inserts run reports
// into the crawl result collection. Reports are acknowledged on receipt and
// buffered in memory; a flush happens when the buffer reaches the batch size
// or the flush interval elapses, whichever comes first.
type Processor struct {
	cfg    common.ProcessorConfig
	broker interfaces.Broker
	docs   interfaces.DocumentStore
	logger arbor.ILogger

	mu  sync.Mutex
	buf []any
}

func New(cfg common.ProcessorConfig, broker interfaces.Broker, docs interfaces.DocumentStore, logger arbor.ILogger) *Processor {
	return &Processor{cfg: cfg, broker: broker, docs: docs, logger: logger}
}

// Run blocks consuming reports until ctx is cancelled, then flushes whatever
// is still buffered.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.setupTopology(); err != nil {
		return err
	}

	p.logger.Info().
		Str("queue", p.cfg.ResultQueue).
		Str("collection", p.cfg.CollectionName).
		Int("batch_size", p.cfg.BatchSize).
		Str("flush_interval", p.cfg.FlushInterval.String()).
		Msg("Processor consuming run reports")

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	defer stopFlusher()
	common.SafeGo(p.logger, "processor-flush-ticker", func() {
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-flushCtx.Done():
				return
			case <-ticker.C:
				p.flush(flushCtx)
			}
		}
	})

	err := p.broker.Consume(ctx, p.cfg.ResultQueue, p.cfg.BatchSize, p.handle)

	// Drain what is left; consumption has stopped so the buffer is stable.
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	p.flush(drainCtx)
	return err
}

func (p *Processor) setupTopology() error {
	if err := p.broker.DeclareQueue(p.cfg.ResultQueue); err != nil {
		return err
	}
	if p.cfg.ExchangeName == "" {
		return nil
	}
	if err := p.broker.DeclareExchange(p.cfg.ExchangeName); err != nil {
		return err
	}
	return p.broker.BindQueue(p.cfg.ResultQueue, p.cfg.ExchangeName, p.cfg.RoutingKey)
}

func (p *Processor) handle(ctx context.Context, d interfaces.Delivery) interfaces.AckDecision {
	var report models.RunReport
	if err := json.Unmarshal(d.Body, &report); err != nil {
		p.logger.Error().Err(err).Msg("Undecodable run report, discarding")
		return interfaces.NackDiscard
	}

	p.mu.Lock()
	p.buf = append(p.buf, report)
	full := len(p.buf) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		p.flush(ctx)
	}
	return interfaces.Ack
}

// flush writes the buffered reports in one insert. On failure the buffer is
// kept so the next flush retries; reports survive in memory until the
// process exits.
func (p *Processor) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buf
	p.buf = nil
	p.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := p.docs.InsertMany(ctx, p.cfg.CollectionName, batch); err != nil {
		p.logger.Warn().
			Int("reports", len(batch)).
			Err(err).
			Msg("Batch insert failed, keeping reports buffered")
		p.mu.Lock()
		p.buf = append(batch, p.buf...)
		p.mu.Unlock()
		return
	}

	p.logger.Info().Int("reports", len(batch)).Msg("Run reports persisted")
}
