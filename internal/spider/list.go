package spider

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
	"github.com/ternarybob/dspider/internal/storage/mongo"
)

// SpiderNameList is the registry name of the list-page crawler.
const SpiderNameList = "list"

// pageVarToken is the page-variable placeholder inside api_url or one
// postdata value.
const pageVarToken = "{0}"

// maxSeenURLs caps the per-run exact URL set used for duplicate detection.
// Past the cap new URLs are no longer remembered, which can only delay the
// duplicate-URLs stop, never fire it spuriously.
const maxSeenURLs = 100_000

func init() {
	Register(SpiderNameList, func(deps Deps, opts Options) interfaces.Spider {
		return NewListSpider(deps, opts)
	})
}

// pageLocation says where the page variable lives in the request template.
type pageLocation int

const (
	pageInURL pageLocation = iota
	pageInBody
)

// ListSpider is the paginated list-page crawler. One Start call is one
// round: it walks cursors from pagination[0] by pagination[1] until a stop
// condition fires, persisting each fresh page and extracting detail URLs.
type ListSpider struct {
	docs      interfaces.DocumentStore
	objects   interfaces.ObjectStore
	fetcher   interfaces.Fetcher
	extractor Extractor
	logger    arbor.ILogger
	opts      Options
}

func NewListSpider(deps Deps, opts Options) *ListSpider {
	opts.applyDefaults()
	return &ListSpider{
		docs:      deps.Docs,
		objects:   deps.Objects,
		fetcher:   deps.Fetcher,
		extractor: JSONPathExtractor{},
		logger:    deps.Logger,
		opts:      opts,
	}
}

func (s *ListSpider) Name() string { return SpiderNameList }

// Start runs one round over the task. The returned statistic is always
// non-nil; its StopReason explains how the run ended.
func (s *ListSpider) Start(ctx context.Context, task models.Task) (*models.CrawlStatistic, error) {
	stat := models.NewCrawlStatistic()
	cfg := task.DatasourceConfig

	loc, bodyKey, err := locatePageVariable(cfg.RequestParams)
	if err != nil {
		stat.StopReason = "no page variable"
		return stat, err
	}

	if cfg.NeedHeaders && len(cfg.RequestParams.Headers) == 0 {
		s.logger.Warn().
			Str("datasource", cfg.ID).
			Msg("Config wants captured headers but none are present yet")
	}

	cur := cfg.PaginationStart()
	step := cfg.PaginationStep()
	seen := make(map[string]struct{})
	first := true
	// One token per page delay; the burst token lets the first page go out
	// immediately.
	pacer := rate.NewLimiter(rate.Every(s.opts.PageDelay), 1)

	for {
		if err := pacer.Wait(ctx); err != nil {
			return stat, common.Wrap(common.KindTimeout, "run cancelled between pages", err)
		}

		reqURL, postdata := s.materialize(cfg.RequestParams, loc, bodyKey, cur, first)
		first = false

		res, fetchErr := s.fetchPage(ctx, cfg.RequestParams, reqURL, postdata)
		stat.Total++

		if fetchErr == nil && res.Status == http.StatusOK {
			stat.Success++
			if stat.LastRespBody != nil && bytes.Equal(res.Body, stat.LastRespBody) {
				stat.StopReason = fmt.Sprintf("duplicate body at page %d", cur)
				break
			}
			stat.LastRespBody = res.Body

			s.persist(ctx, task, cur, res.Body)

			urls := s.extract(cfg, cur, res.Body)
			if allSeen(seen, urls) {
				stat.StopReason = "duplicate URLs"
				break
			}
			remember(seen, urls)
		} else {
			// Hard transport errors classify the same as non-200 pages.
			stat.Fail = append(stat.Fail, cur)
			s.logPageFailure(cfg.ID, cur, res, fetchErr)
			if stat.LastFail+step == cur {
				stat.StopReason = fmt.Sprintf("consecutive failures, last = %d", cur)
				break
			}
			stat.LastFail = cur
		}

		cur += step
	}

	s.logger.Info().
		Str("datasource", cfg.ID).
		Str("task_id", task.TaskID).
		Int("total", stat.Total).
		Int("success", stat.Success).
		Int("failed", len(stat.Fail)).
		Str("stop_reason", stat.StopReason).
		Msg("List crawl round finished")
	return stat, nil
}

// locatePageVariable finds the {0} placeholder: URL template first, then the
// postdata values. A config with neither can never paginate.
func locatePageVariable(p models.RequestParams) (pageLocation, string, error) {
	if strings.Contains(p.APIURL, pageVarToken) {
		return pageInURL, "", nil
	}
	for key, value := range p.Postdata {
		if strings.Contains(value, pageVarToken) {
			return pageInBody, key, nil
		}
	}
	return 0, "", common.E(common.KindNoPageVariable,
		"neither api_url nor postdata carries the page placeholder")
}

// materialize renders the request URL and postdata for one cursor. The very
// first page honors the additional.index_* overrides when present; overrides
// are sent verbatim, the cursor is never substituted into them.
func (s *ListSpider) materialize(p models.RequestParams, loc pageLocation, bodyKey string, cur int, first bool) (string, map[string]string) {
	if first && (p.Additional.IndexAPIURL != "" || len(p.Additional.IndexPostdata) > 0) {
		reqURL := p.Additional.IndexAPIURL
		if reqURL == "" {
			reqURL = substitute(p.APIURL, cur)
		}
		postdata := p.Additional.IndexPostdata
		if len(postdata) == 0 {
			postdata = p.Postdata
		}
		return reqURL, postdata
	}

	if loc == pageInURL {
		return substitute(p.APIURL, cur), p.Postdata
	}
	postdata := make(map[string]string, len(p.Postdata))
	for k, v := range p.Postdata {
		postdata[k] = v
	}
	postdata[bodyKey] = substitute(postdata[bodyKey], cur)
	return p.APIURL, postdata
}

func substitute(template string, cur int) string {
	return strings.ReplaceAll(template, pageVarToken, strconv.Itoa(cur))
}

// fetchPage issues one page request. POST when there is postdata, GET
// otherwise.
func (s *ListSpider) fetchPage(ctx context.Context, p models.RequestParams, reqURL string, postdata map[string]string) (*interfaces.FetchResult, error) {
	method := http.MethodGet
	var body []byte
	if len(postdata) > 0 {
		method = http.MethodPost
		body = encodeForm(postdata)
	}

	return s.fetcher.Do(ctx, interfaces.FetchRequest{
		Method:         method,
		URL:            reqURL,
		Headers:        p.Headers,
		Cookies:        p.Cookies,
		Body:           body,
		Timeout:        s.opts.RequestTimeout,
		ExpectedStatus: http.StatusOK,
		MaxRetries:     s.opts.MaxRetries,
		RetryDelayBase: s.opts.RetryDelayBase,
	})
}

func encodeForm(postdata map[string]string) []byte {
	values := url.Values{}
	for k, v := range postdata {
		values.Set(k, v)
	}
	return []byte(values.Encode())
}

// persist writes the page body to the object store under a content-addressed
// key and records a list index document pointing at it. Persistence failures
// are transient: they are logged and the run continues against the in-memory
// body.
func (s *ListSpider) persist(ctx context.Context, task models.Task, cur int, body []byte) {
	now := time.Now()
	key := fmt.Sprintf("%s/%s_%x.txt", now.Format("2006/01/02"), task.TaskID, md5.Sum(body))

	if err := s.objects.PutBytes(ctx, s.opts.Bucket, key, body); err != nil {
		s.logger.Warn().
			Str("datasource", task.DatasourceConfig.ID).
			Int("page", cur).
			Str("key", key).
			Err(err).
			Msg("Page body not persisted")
		return
	}

	entry := models.ListIndexEntry{
		ID:           uuid.NewString(),
		Path:         key,
		DatasourceID: task.DatasourceConfig.ID,
		Round:        task.DatasourceConfig.Round,
		PageCursor:   cur,
		FetchedAt:    now,
	}
	if err := s.docs.InsertOne(ctx, mongo.CollList, entry); err != nil {
		s.logger.Warn().
			Str("datasource", task.DatasourceConfig.ID).
			Int("page", cur).
			Err(err).
			Msg("List index entry not written")
	}
}

// extract pulls detail URLs out of the page body. Extraction failures never
// terminate the run; a page that does not match the parse rule simply yields
// no URLs.
func (s *ListSpider) extract(cfg models.DatasourceConfig, cur int, body []byte) []string {
	items, urls, err := s.extractor.Extract(body, cfg.ParseRule.ListPage)
	if err != nil {
		s.logger.Warn().
			Str("datasource", cfg.ID).
			Int("page", cur).
			Err(err).
			Msg("Extraction failed for page")
		return nil
	}
	s.logger.Debug().
		Str("datasource", cfg.ID).
		Int("page", cur).
		Int("items", len(items)).
		Msg("Extracted list items")
	return urls
}

func (s *ListSpider) logPageFailure(datasourceID string, cur int, res *interfaces.FetchResult, err error) {
	event := s.logger.Warn().
		Str("datasource", datasourceID).
		Int("page", cur)
	if res != nil {
		event = event.Int("status", res.Status)
	}
	event.Err(err).Msg("Page fetch failed")
}

// allSeen reports whether every URL on this page was already seen earlier in
// the run. An empty page never counts as duplicate.
func allSeen(seen map[string]struct{}, urls []string) bool {
	if len(urls) == 0 {
		return false
	}
	for _, u := range urls {
		if _, ok := seen[u]; !ok {
			return false
		}
	}
	return true
}

func remember(seen map[string]struct{}, urls []string) {
	for _, u := range urls {
		if len(seen) >= maxSeenURLs {
			return
		}
		seen[u] = struct{}{}
	}
}
