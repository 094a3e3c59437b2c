package spider

import (
	"context"
	"crypto/md5"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
	"github.com/ternarybob/dspider/internal/storage/mongo"
)

// SpiderNameDetail is the registry name of the detail-page crawler.
const SpiderNameDetail = "detail"

func init() {
	Register(SpiderNameDetail, func(deps Deps, opts Options) interfaces.Spider {
		return NewDetailSpider(deps, opts)
	})
}

// DetailSpider fetches the detail pages behind one crawl round. It replays
// the list pages persisted for the task's datasource and round, re-derives
// the detail requests from each page, fetches every distinct one and stores
// the raw bodies under the same content-addressed key scheme the list round
// uses. Per-site detail parsing stays out of scope; the stored bodies are
// the deliverable.
type DetailSpider struct {
	docs      interfaces.DocumentStore
	objects   interfaces.ObjectStore
	fetcher   interfaces.Fetcher
	extractor Extractor
	logger    arbor.ILogger
	opts      Options
}

func NewDetailSpider(deps Deps, opts Options) *DetailSpider {
	opts.applyDefaults()
	return &DetailSpider{
		docs:      deps.Docs,
		objects:   deps.Objects,
		fetcher:   deps.Fetcher,
		extractor: JSONPathExtractor{},
		logger:    deps.Logger,
		opts:      opts,
	}
}

func (d *DetailSpider) Name() string { return SpiderNameDetail }

// detailRequest is one fully derived detail fetch. Postdata is nil for GET
// rules.
type detailRequest struct {
	url      string
	postdata map[string]string
}

// dedupKey distinguishes requests even when a postdata rule points every
// item at the same url_path.
func (r detailRequest) dedupKey() string {
	if len(r.postdata) == 0 {
		return r.url
	}
	return r.url + "?" + string(encodeForm(r.postdata))
}

// Start runs one detail round. The returned statistic counts detail fetches;
// Fail holds 1-based request ordinals.
func (d *DetailSpider) Start(ctx context.Context, task models.Task) (*models.CrawlStatistic, error) {
	stat := models.NewCrawlStatistic()
	cfg := task.DatasourceConfig

	requests, err := d.collectRequests(ctx, task)
	if err != nil {
		stat.StopReason = "list pages unavailable"
		return stat, err
	}
	if len(requests) == 0 {
		stat.StopReason = "no detail requests derived"
		d.logger.Info().
			Str("datasource", cfg.ID).
			Str("task_id", task.TaskID).
			Msg("No detail requests for this round")
		return stat, nil
	}

	pacer := rate.NewLimiter(rate.Every(d.opts.PageDelay), 1)
	stat.StopReason = "detail round complete"

	for i, req := range requests {
		ordinal := i + 1
		if err := pacer.Wait(ctx); err != nil {
			return stat, common.Wrap(common.KindTimeout, "run cancelled between detail pages", err)
		}

		res, fetchErr := d.fetchDetail(ctx, cfg.RequestParams, req)
		stat.Total++

		if fetchErr == nil && res.Status == http.StatusOK {
			stat.Success++
			d.persist(ctx, task, req, res.Body)
		} else {
			stat.Fail = append(stat.Fail, ordinal)
			d.logger.Warn().
				Str("datasource", cfg.ID).
				Str("url", req.url).
				Err(fetchErr).
				Msg("Detail fetch failed")
			if stat.LastFail+1 == ordinal {
				stat.StopReason = fmt.Sprintf("consecutive failures, last = %d", ordinal)
				break
			}
			stat.LastFail = ordinal
		}
	}

	d.logger.Info().
		Str("datasource", cfg.ID).
		Str("task_id", task.TaskID).
		Int("total", stat.Total).
		Int("success", stat.Success).
		Int("failed", len(stat.Fail)).
		Str("stop_reason", stat.StopReason).
		Msg("Detail crawl round finished")
	return stat, nil
}

// collectRequests replays the round's persisted list pages and derives the
// distinct detail requests from them. Pages that cannot be loaded or parsed
// are skipped; they already failed once during the list round.
func (d *DetailSpider) collectRequests(ctx context.Context, task models.Task) ([]detailRequest, error) {
	cfg := task.DatasourceConfig

	var entries []models.ListIndexEntry
	err := d.docs.Find(ctx, mongo.CollList,
		interfaces.Filter{"datasource_id": cfg.ID, "round": cfg.Round},
		interfaces.FindOptions{Sort: []interfaces.SortField{{Key: "page_cursor"}}},
		&entries)
	if err != nil {
		return nil, err
	}

	rule := cfg.ParseRule.ListPage
	seen := make(map[string]struct{})
	var requests []detailRequest

	for _, entry := range entries {
		body, err := d.objects.GetBytes(ctx, d.opts.Bucket, entry.Path)
		if err != nil || len(body) == 0 {
			d.logger.Warn().
				Str("datasource", cfg.ID).
				Str("path", entry.Path).
				Err(err).
				Msg("Persisted list page not readable, skipping")
			continue
		}

		items, _, err := d.extractor.Extract(body, rule)
		if err != nil {
			d.logger.Warn().
				Str("datasource", cfg.ID).
				Str("path", entry.Path).
				Err(err).
				Msg("Persisted list page not parseable, skipping")
			continue
		}

		for _, item := range items {
			u, _ := item["url"].(string)
			if u == "" {
				continue
			}
			req := detailRequest{url: u, postdata: DetailBody(item, rule.URLRule)}
			key := req.dedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			requests = append(requests, req)
		}
	}
	return requests, nil
}

// fetchDetail issues one detail request. POST with a form body for postdata
// rules, GET otherwise; headers and cookies come from the config like the
// list round.
func (d *DetailSpider) fetchDetail(ctx context.Context, p models.RequestParams, req detailRequest) (*interfaces.FetchResult, error) {
	method := http.MethodGet
	var body []byte
	if len(req.postdata) > 0 {
		method = http.MethodPost
		body = encodeForm(req.postdata)
	}

	return d.fetcher.Do(ctx, interfaces.FetchRequest{
		Method:         method,
		URL:            req.url,
		Headers:        p.Headers,
		Cookies:        p.Cookies,
		Body:           body,
		Timeout:        d.opts.RequestTimeout,
		ExpectedStatus: http.StatusOK,
		MaxRetries:     d.opts.MaxRetries,
		RetryDelayBase: d.opts.RetryDelayBase,
	})
}

// persist stores one raw detail body content-addressed, same scheme as the
// list pages. Failures are logged and the round continues.
func (d *DetailSpider) persist(ctx context.Context, task models.Task, req detailRequest, body []byte) {
	key := fmt.Sprintf("%s/%s_%x.txt", time.Now().Format("2006/01/02"), task.TaskID, md5.Sum(body))
	if err := d.objects.PutBytes(ctx, d.opts.Bucket, key, body); err != nil {
		d.logger.Warn().
			Str("datasource", task.DatasourceConfig.ID).
			Str("url", req.url).
			Str("key", key).
			Err(err).
			Msg("Detail body not persisted")
	}
}
