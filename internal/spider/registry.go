package spider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
)

// Deps bundles the external collaborators a spider binds at construction.
type Deps struct {
	Docs    interfaces.DocumentStore
	Objects interfaces.ObjectStore
	Fetcher interfaces.Fetcher
	Logger  arbor.ILogger
}

// Options carries per-run tunables shared by all spider strategies.
type Options struct {
	Bucket         string
	PageDelay      time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	Proxy          common.ProxyConfig
}

func (o *Options) applyDefaults() {
	if o.Bucket == "" {
		o.Bucket = "spider-results"
	}
	if o.PageDelay == 0 {
		o.PageDelay = 5 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelayBase == 0 {
		o.RetryDelayBase = time.Second
	}
}

// Factory constructs one spider strategy bound to its collaborators.
type Factory func(Deps, Options) interfaces.Spider

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register plugs a spider strategy into the process-wide registry. Called
// from init funcs; duplicate names panic because that is a programming error.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("spider %q registered twice", name))
	}
	registry[name] = f
}

// New resolves a spider strategy by name and constructs it.
func New(name string, deps Deps, opts Options) (interfaces.Spider, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, common.E(common.KindUnknownSpider,
			fmt.Sprintf("no spider registered under %q (known: %v)", name, Names()))
	}
	opts.applyDefaults()
	return f(deps, opts), nil
}

// Names lists registered strategy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
