package cookies

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
	"github.com/ternarybob/dspider/internal/storage/mongo"
)

// BrowserWorker drives one long-lived headless browser. For each job it
// opens a fresh page on that browser, navigates to the config's index URL,
// waits for the page to issue a request to the config's api_url, captures
// that request's headers and writes them back to the datasource config.
//
// One worker owns one browser; jobs are strictly serialized on it. Pages are
// always created from the worker's browser context, never from a per-job
// context, so the browser survives across jobs.
type BrowserWorker struct {
	cfg    common.CookiesConfig
	broker interfaces.Broker
	docs   interfaces.DocumentStore
	logger arbor.ILogger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func NewBrowserWorker(cfg common.CookiesConfig, broker interfaces.Broker, docs interfaces.DocumentStore, logger arbor.ILogger) *BrowserWorker {
	return &BrowserWorker{cfg: cfg, broker: broker, docs: docs, logger: logger}
}

// Run launches the browser, then blocks consuming jobs until ctx is
// cancelled. The browser is closed before return.
func (w *BrowserWorker) Run(ctx context.Context) error {
	if err := w.broker.DeclareQueue(w.cfg.Queue); err != nil {
		return err
	}
	if err := w.launchBrowser(); err != nil {
		return err
	}
	defer w.closeBrowser()

	w.logger.Info().
		Str("queue", w.cfg.Queue).
		Bool("headless", w.cfg.Headless).
		Str("timeout", w.cfg.BrowserTimeout.String()).
		Msg("Browser worker consuming jobs")

	return w.broker.Consume(ctx, w.cfg.Queue, 1, w.handle)
}

// launchBrowser starts the single reusable browser and verifies it responds.
// Cold-launching per job would dominate runtime, so the allocator and
// browser contexts live for the whole worker.
func (w *BrowserWorker) launchBrowser() error {
	userAgent := w.cfg.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", w.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, w.cfg.BrowserTimeout)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return common.Wrap(common.KindConfig, "browser failed startup test", err)
	}

	w.browserCtx = browserCtx
	w.browserCancel = browserCancel
	w.allocCancel = allocCancel
	w.logger.Info().Msg("Headless browser launched")
	return nil
}

func (w *BrowserWorker) closeBrowser() {
	if w.browserCancel != nil {
		w.browserCancel()
	}
	if w.allocCancel != nil {
		w.allocCancel()
	}
}

// handle processes one browser job. Capture failures are terminal for the
// job (the next refresh cycle retries the config anyway); only a datastore
// transport failure requeues.
func (w *BrowserWorker) handle(ctx context.Context, d interfaces.Delivery) interfaces.AckDecision {
	var cfg models.DatasourceConfig
	if err := json.Unmarshal(d.Body, &cfg); err != nil {
		w.logger.Error().Err(err).Msg("Undecodable browser job, discarding")
		return interfaces.NackDiscard
	}
	if cfg.SocialIndexURL == "" || cfg.RequestParams.APIURL == "" {
		w.logger.Warn().Str("datasource", cfg.ID).Msg("Job lacks index or api url, discarding")
		return interfaces.NackDiscard
	}

	headers, err := w.capture(cfg)
	if err != nil {
		w.logger.Warn().
			Str("datasource", cfg.ID).
			Str("index_url", cfg.SocialIndexURL).
			Err(err).
			Msg("Header capture failed")
		return interfaces.NackDiscard
	}

	if err := w.storeHeaders(ctx, cfg, headers); err != nil {
		if common.IsTransient(err) {
			return interfaces.NackRequeue
		}
		w.logger.Error().Str("datasource", cfg.ID).Err(err).Msg("Captured headers not stored")
		return interfaces.NackDiscard
	}

	w.logger.Info().
		Str("datasource", cfg.ID).
		Int("headers", len(headers)).
		Msg("Captured headers stored")
	return interfaces.Ack
}

// requestObserver watches CDP network events for the one sub-request whose
// URL exactly equals the target. ExtraInfo events carry the raw wire headers
// (pseudo-headers included) and are the preferred capture; the basic request
// event's headers are kept as a fallback for HTTP/1 targets that never emit
// ExtraInfo. CDP does not order the two events, so ExtraInfo arriving before
// its request event is buffered by RequestID until the target match lands.
type requestObserver struct {
	target   string
	captured chan map[string]string

	mu           sync.Mutex
	targetIDs    map[network.RequestID]bool
	fallback     map[network.RequestID]map[string]string
	pendingExtra map[network.RequestID]map[string]string
}

func newRequestObserver(target string) *requestObserver {
	return &requestObserver{
		target:       target,
		captured:     make(chan map[string]string, 1),
		targetIDs:    make(map[network.RequestID]bool),
		fallback:     make(map[network.RequestID]map[string]string),
		pendingExtra: make(map[network.RequestID]map[string]string),
	}
}

func (o *requestObserver) observe(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Request.URL != o.target {
			return
		}
		basic := flattenHeaders(ev.Request.Headers)

		o.mu.Lock()
		o.targetIDs[ev.RequestID] = true
		o.fallback[ev.RequestID] = basic
		extra, buffered := o.pendingExtra[ev.RequestID]
		o.mu.Unlock()

		if buffered {
			o.emit(extra)
		}
	case *network.EventRequestWillBeSentExtraInfo:
		headers := flattenHeaders(ev.Headers)

		o.mu.Lock()
		isTarget := o.targetIDs[ev.RequestID]
		if !isTarget {
			o.pendingExtra[ev.RequestID] = headers
		}
		o.mu.Unlock()

		if isTarget {
			o.emit(headers)
		}
	}
}

func (o *requestObserver) emit(headers map[string]string) {
	select {
	case o.captured <- stripPseudoHeaders(headers):
	default:
	}
}

// headers returns the captured header set if one is ready.
func (o *requestObserver) headers() (map[string]string, bool) {
	select {
	case h := <-o.captured:
		return h, true
	default:
		return nil, false
	}
}

// fallbackHeaders returns the basic request headers of a seen target when no
// ExtraInfo event ever arrived.
func (o *requestObserver) fallbackHeaders() (map[string]string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, basic := range o.fallback {
		return stripPseudoHeaders(basic), true
	}
	return nil, false
}

func flattenHeaders(raw map[string]any) map[string]string {
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		headers[k] = fmt.Sprint(v)
	}
	return headers
}

// capture opens a fresh page on the long-lived browser, navigates to the
// index URL and waits for a sub-request whose URL exactly equals the
// config's api_url. HTTP/2 pseudo-headers (":authority" and friends) are
// stripped from the captured set.
func (w *BrowserWorker) capture(cfg models.DatasourceConfig) (map[string]string, error) {
	pageCtx, pageCancel := chromedp.NewContext(w.browserCtx)
	defer pageCancel()

	runCtx, runCancel := context.WithTimeout(pageCtx, w.cfg.BrowserTimeout)
	defer runCancel()

	obs := newRequestObserver(cfg.RequestParams.APIURL)
	chromedp.ListenTarget(runCtx, obs.observe)

	if err := chromedp.Run(runCtx, network.Enable(), chromedp.Navigate(cfg.SocialIndexURL)); err != nil {
		// The target request may still have fired before the navigation
		// error (usually the timeout); use it if so.
		if headers, ok := obs.headers(); ok {
			return headers, nil
		}
		return nil, common.Wrap(common.KindTimeout, fmt.Sprintf("navigate %s", cfg.SocialIndexURL), err)
	}

	select {
	case headers := <-obs.captured:
		return headers, nil
	case <-runCtx.Done():
		if headers, ok := obs.fallbackHeaders(); ok {
			return headers, nil
		}
		return nil, common.E(common.KindTimeout,
			fmt.Sprintf("page never requested %s within %s", cfg.RequestParams.APIURL, w.cfg.BrowserTimeout))
	}
}

// storeHeaders replaces request_params.headers on the config matching the
// job's index URL.
func (w *BrowserWorker) storeHeaders(ctx context.Context, cfg models.DatasourceConfig, headers map[string]string) error {
	res, err := w.docs.UpdateOne(ctx, mongo.CollDatasourceConfig,
		interfaces.Filter{"social_index_url": cfg.SocialIndexURL},
		interfaces.Patch{"$set": map[string]any{
			"request_params.headers": headers,
			"update_time":            time.Now(),
		}})
	if err != nil {
		return err
	}
	if res.Matched == 0 {
		return common.E(common.KindNotFound,
			fmt.Sprintf("no config with social_index_url %s", cfg.SocialIndexURL))
	}
	return nil
}

func stripPseudoHeaders(headers map[string]string) map[string]string {
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.HasPrefix(k, ":") {
			continue
		}
		clean[k] = v
	}
	return clean
}
