package interfaces

import (
	"context"
	"time"
)

// ProxyPool selects which proxy acquisition endpoint to use.
type ProxyPool string

const (
	ProxyPoolFree ProxyPool = "free"
	ProxyPoolPaid ProxyPool = "paid"
)

// FetchRequest is one logical HTTP request. Zero ExpectedStatus means 200,
// zero MaxRetries means a single attempt.
type FetchRequest struct {
	Method         string
	URL            string
	Headers        map[string]string
	Cookies        map[string]string
	Body           []byte
	Timeout        time.Duration
	ExpectedStatus int
	MaxRetries     int
	RetryDelayBase time.Duration
	NeedProxy      bool
	ProxyPool      ProxyPool
}

// FetchResult is the outcome of a successful fetch.
type FetchResult struct {
	Status    int
	Body      []byte
	ElapsedMS int64
	Attempts  int
}

// Fetcher executes one HTTP request with bounded retries and optional proxy.
type Fetcher interface {
	Do(ctx context.Context, req FetchRequest) (*FetchResult, error)
}
