package app

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/broker"
	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/fetcher"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/storage/minio"
	"github.com/ternarybob/dspider/internal/storage/mongo"
)

// Components selects which external clients a node binary needs. Each binary
// connects only what it uses; the master, for one, never touches the object
// store.
type Components struct {
	Broker  bool
	Docs    bool
	Objects bool
	Fetcher bool
}

// App is the per-process context holding configuration, the logger and the
// connected clients. It replaces process-wide singletons: constructors
// receive the App (or fields of it) explicitly.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Broker  interfaces.Broker
	Docs    interfaces.DocumentStore
	Objects interfaces.ObjectStore
	Fetcher interfaces.Fetcher
}

// New connects the selected components, failing fast on the first one that
// cannot be reached.
func New(cfg *common.Config, logger arbor.ILogger, comps Components) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if comps.Broker {
		b, err := broker.New(cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		a.Broker = b
	}
	if comps.Docs {
		docs, err := mongo.New(cfg.MongoDB, logger)
		if err != nil {
			a.Close(context.Background())
			return nil, err
		}
		a.Docs = docs
	}
	if comps.Objects {
		objects, err := minio.New(cfg.Minio, logger)
		if err != nil {
			a.Close(context.Background())
			return nil, err
		}
		if err := objects.EnsureBucket(context.Background(), cfg.Minio.Bucket); err != nil {
			a.Close(context.Background())
			return nil, err
		}
		a.Objects = objects
	}
	if comps.Fetcher {
		a.Fetcher = fetcher.New(cfg.Worker.Proxy, logger)
	}
	return a, nil
}

// NewBroker returns a factory that dials a fresh broker client; the Master
// uses it to rebuild after repeated failures.
func (a *App) NewBroker() func() (interfaces.Broker, error) {
	return func() (interfaces.Broker, error) {
		return broker.New(a.Config.RabbitMQ, a.Logger)
	}
}

// NewStore returns a factory that opens a fresh document-store client.
func (a *App) NewStore() func() (interfaces.DocumentStore, error) {
	return func() (interfaces.DocumentStore, error) {
		return mongo.New(a.Config.MongoDB, a.Logger)
	}
}

// Close releases whatever was connected. Safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.Broker != nil {
		_ = a.Broker.Close()
	}
	if a.Docs != nil {
		_ = a.Docs.Close(ctx)
	}
}
