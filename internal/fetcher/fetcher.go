package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultExpectedStatus = http.StatusOK

	proxyAcquireAttempts = 5
	proxyAcquireDelay    = time.Second
	proxyAcquireTimeout  = 5 * time.Second
)

// HTTPFetcher executes single HTTP requests with bounded retries, an
// expected-status policy and optional proxy acquisition. Safe for concurrent
// use; each logical request builds its own transport when a proxy is needed.
type HTTPFetcher struct {
	client *http.Client
	proxy  common.ProxyConfig
	logger arbor.ILogger
}

// New creates a fetcher with a shared direct-connection client.
func New(proxy common.ProxyConfig, logger arbor.ILogger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: defaultTimeout},
		proxy:  proxy,
		logger: logger,
	}
}

// Do runs one logical request. Retries cover transport errors and status
// mismatches equally; the proxy is acquired once, not per attempt.
func (f *HTTPFetcher) Do(ctx context.Context, req interfaces.FetchRequest) (*interfaces.FetchResult, error) {
	if req.URL == "" {
		return nil, common.E(common.KindProtocol, "empty request url")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.ExpectedStatus == 0 {
		req.ExpectedStatus = defaultExpectedStatus
	}
	attempts := req.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	client := f.client
	if req.NeedProxy {
		proxyURL, err := f.acquireProxy(ctx, req.ProxyPool)
		if err != nil {
			return nil, err
		}
		timeout := req.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, body, err := f.once(ctx, client, req)
		if err == nil && status == req.ExpectedStatus {
			return &interfaces.FetchResult{
				Status:    status,
				Body:      body,
				ElapsedMS: time.Since(start).Milliseconds(),
				Attempts:  attempt,
			}, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = common.E(common.KindStatusMismatch,
				fmt.Sprintf("got status %d, expected %d", status, req.ExpectedStatus))
			// Keep the non-matching response available to the caller: the
			// spider classifies non-200 pages itself.
			if attempt == attempts {
				return &interfaces.FetchResult{
					Status:    status,
					Body:      body,
					ElapsedMS: time.Since(start).Milliseconds(),
					Attempts:  attempt,
				}, lastErr
			}
		}

		if attempt < attempts {
			delay := req.RetryDelayBase * time.Duration(attempt)
			f.logger.Debug().
				Str("url", req.URL).
				Int("attempt", attempt).
				Str("delay", delay.String()).
				Err(lastErr).
				Msg("Retrying request")
			select {
			case <-ctx.Done():
				return nil, common.Wrap(common.KindTimeout, "fetch cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) once(ctx context.Context, client *http.Client, req interfaces.FetchRequest) (int, []byte, error) {
	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return 0, nil, common.Wrap(common.KindProtocol, "build request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, common.Wrap(common.KindTimeout, "request timed out", err)
		}
		return 0, nil, common.Wrap(common.KindHTTPTransport, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, common.Wrap(common.KindHTTPTransport, "read response body", err)
	}
	return resp.StatusCode, body, nil
}

// acquireProxy asks the proxy pool API for one proxy address. The API either
// returns {"ip": "host:port"} or a JSON array whose first element is the
// address. Acquisition retries 5 times with a fixed 1s delay and is fatal on
// exhaustion.
func (f *HTTPFetcher) acquireProxy(ctx context.Context, pool interfaces.ProxyPool) (*url.URL, error) {
	apiURL := f.proxy.FreeAPIURL
	if pool == interfaces.ProxyPoolPaid {
		apiURL = f.proxy.PaidAPIURL
	}
	if apiURL == "" {
		return nil, common.E(common.KindProxyAcquire, fmt.Sprintf("no %s proxy pool configured", pool))
	}

	var lastErr error
	for attempt := 1; attempt <= proxyAcquireAttempts; attempt++ {
		addr, err := f.fetchProxyAddr(ctx, apiURL)
		if err == nil {
			proxyURL, perr := url.Parse("http://" + addr)
			if perr != nil {
				return nil, common.Wrap(common.KindProxyAcquire, "parse proxy address", perr)
			}
			return proxyURL, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, common.Wrap(common.KindTimeout, "proxy acquisition cancelled", ctx.Err())
		case <-time.After(proxyAcquireDelay):
		}
	}
	return nil, common.Wrap(common.KindProxyAcquire,
		fmt.Sprintf("proxy pool exhausted after %d attempts", proxyAcquireAttempts), lastErr)
}

func (f *HTTPFetcher) fetchProxyAddr(ctx context.Context, apiURL string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, proxyAcquireTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("proxy api status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err == nil {
		if ip, ok := asMap["ip"].(string); ok && ip != "" {
			return ip, nil
		}
		return "", fmt.Errorf("proxy api response missing ip field")
	}
	var asList []string
	if err := json.Unmarshal(data, &asList); err == nil && len(asList) > 0 {
		return asList[0], nil
	}
	return "", fmt.Errorf("unrecognized proxy api response")
}
