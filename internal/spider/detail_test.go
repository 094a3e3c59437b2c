package spider

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/models"
)

func newTestDetailSpider(f *scriptedFetcher, docs *memoryDocs, objects *memoryObjects) *DetailSpider {
	return NewDetailSpider(
		Deps{Docs: docs, Objects: objects, Fetcher: f, Logger: common.GetLogger()},
		Options{Bucket: "spider-results", PageDelay: time.Millisecond, RetryDelayBase: time.Millisecond},
	)
}

func detailTask(rule models.ListPageRule) models.Task {
	return models.NewTask(models.DatasourceConfig{
		ID: "ds-1",
		RequestParams: models.RequestParams{
			APIURL:  "https://x/api?p={0}",
			Headers: map[string]string{"X-Token": "t1"},
		},
		ParseRule: models.ParseRule{ListPage: rule},
		Round:     3,
	}, time.Now())
}

func seedListPage(docs *memoryDocs, objects *memoryObjects, path, body string) {
	objects.objects["spider-results/"+path] = []byte(body)
	docs.findEntries = append(docs.findEntries, models.ListIndexEntry{
		Path:         path,
		DatasourceID: "ds-1",
		Round:        3,
		PageCursor:   len(docs.findEntries) + 1,
	})
}

func TestDetailSpiderFetchesAndPersists(t *testing.T) {
	rule := models.ListPageRule{
		ListData: "data.list",
		URLRule: models.URLRule{
			URLPath: "https://x/detail",
			Params:  map[string]string{"jobId": "id"},
		},
	}
	docs := newMemoryDocs()
	objects := newMemoryObjects()
	seedListPage(docs, objects, "2026/08/24/t1_aa.txt",
		`{"data":{"list":[{"jobId":"1"},{"jobId":"2"}]}}`)
	seedListPage(docs, objects, "2026/08/24/t1_bb.txt",
		`{"data":{"list":[{"jobId":"2"},{"jobId":"3"}]}}`)

	fetcher := &scriptedFetcher{responses: []fetchStep{
		respondOK("job one"),
		respondOK("job two"),
		respondOK("job three"),
	}}
	s := newTestDetailSpider(fetcher, docs, objects)

	stat, err := s.Start(context.Background(), detailTask(rule))
	require.NoError(t, err)

	// Four items across two pages, one shared between them.
	assert.Equal(t, 3, stat.Total)
	assert.Equal(t, 3, stat.Success)
	assert.Empty(t, stat.Fail)
	assert.Equal(t, "detail round complete", stat.StopReason)

	require.Len(t, fetcher.requests, 3)
	assert.Equal(t, "https://x/detail?id=1", fetcher.requests[0].URL)
	assert.Equal(t, "https://x/detail?id=2", fetcher.requests[1].URL)
	assert.Equal(t, "https://x/detail?id=3", fetcher.requests[2].URL)
	assert.Equal(t, "GET", fetcher.requests[0].Method)
	assert.Equal(t, "t1", fetcher.requests[0].Headers["X-Token"])

	// Two seeded list pages plus three detail bodies.
	assert.Equal(t, 5, objects.count())
}

func TestDetailSpiderPostdataRule(t *testing.T) {
	rule := models.ListPageRule{
		ListData: "jobs",
		URLRule: models.URLRule{
			URLPath:  "https://x/detail",
			Postdata: map[string]string{"jobId": "id", "city": "cityCode"},
		},
	}
	docs := newMemoryDocs()
	objects := newMemoryObjects()
	seedListPage(docs, objects, "2026/08/24/t2_aa.txt",
		`{"jobs":[{"jobId":"7","city":"syd"},{"jobId":"8","city":"syd"}]}`)

	fetcher := &scriptedFetcher{responses: []fetchStep{
		respondOK("seven"),
		respondOK("eight"),
	}}
	s := newTestDetailSpider(fetcher, docs, objects)

	stat, err := s.Start(context.Background(), detailTask(rule))
	require.NoError(t, err)
	assert.Equal(t, 2, stat.Success)

	// A shared url_path must not collapse distinct items.
	require.Len(t, fetcher.requests, 2)
	assert.Equal(t, "POST", fetcher.requests[0].Method)
	assert.Equal(t, "https://x/detail", fetcher.requests[0].URL)

	form, err := url.ParseQuery(string(fetcher.requests[0].Body))
	require.NoError(t, err)
	assert.Equal(t, "7", form.Get("id"))
	assert.Equal(t, "syd", form.Get("cityCode"))
}

func TestDetailSpiderConsecutiveFailureStop(t *testing.T) {
	rule := models.ListPageRule{
		ListData: "jobs",
		URLRule:  models.URLRule{URLPath: "https://x/detail", Params: map[string]string{"jobId": "id"}},
	}
	docs := newMemoryDocs()
	objects := newMemoryObjects()
	seedListPage(docs, objects, "2026/08/24/t3_aa.txt",
		`{"jobs":[{"jobId":"1"},{"jobId":"2"},{"jobId":"3"},{"jobId":"4"}]}`)

	fetcher := &scriptedFetcher{responses: []fetchStep{
		respondOK("one"),
		respondStatus(503, common.E(common.KindStatusMismatch, "got 503")),
		respondStatus(503, common.E(common.KindStatusMismatch, "got 503")),
	}}
	s := newTestDetailSpider(fetcher, docs, objects)

	stat, err := s.Start(context.Background(), detailTask(rule))
	require.NoError(t, err)

	assert.Equal(t, 3, stat.Total)
	assert.Equal(t, 1, stat.Success)
	assert.Equal(t, []int{2, 3}, stat.Fail)
	assert.Equal(t, "consecutive failures, last = 3", stat.StopReason)
}

func TestDetailSpiderSkipsUnreadablePages(t *testing.T) {
	rule := models.ListPageRule{
		ListData: "jobs",
		URLRule:  models.URLRule{URLPath: "https://x/detail", Params: map[string]string{"jobId": "id"}},
	}
	docs := newMemoryDocs()
	objects := newMemoryObjects()
	// Entry with no stored body, entry with invalid JSON, then a good page.
	docs.findEntries = append(docs.findEntries, models.ListIndexEntry{Path: "missing.txt"})
	seedListPage(docs, objects, "2026/08/24/t4_aa.txt", "not json")
	seedListPage(docs, objects, "2026/08/24/t4_bb.txt", `{"jobs":[{"jobId":"9"}]}`)

	fetcher := &scriptedFetcher{responses: []fetchStep{respondOK("nine")}}
	s := newTestDetailSpider(fetcher, docs, objects)

	stat, err := s.Start(context.Background(), detailTask(rule))
	require.NoError(t, err)
	assert.Equal(t, 1, stat.Success)
	require.Len(t, fetcher.requests, 1)
	assert.Equal(t, "https://x/detail?id=9", fetcher.requests[0].URL)
}

func TestDetailSpiderNoListPages(t *testing.T) {
	fetcher := &scriptedFetcher{}
	s := newTestDetailSpider(fetcher, newMemoryDocs(), newMemoryObjects())

	stat, err := s.Start(context.Background(), detailTask(models.ListPageRule{ListData: "jobs"}))
	require.NoError(t, err)
	assert.Equal(t, 0, stat.Total)
	assert.Equal(t, "no detail requests derived", stat.StopReason)
	assert.Empty(t, fetcher.requests)
}
