package models

import "time"

// CrawlStatistic accumulates per-run counters for one spider invocation.
// Total always equals Success plus len(Fail).
type CrawlStatistic struct {
	Total        int    `json:"total"`
	Success      int    `json:"success"`
	Fail         []int  `json:"fail"`
	LastFail     int    `json:"last_fail"`
	LastRespBody []byte `json:"-"`
	StopReason   string `json:"stop_reason"`
}

// NewCrawlStatistic returns a statistic with LastFail primed to -1 so the
// consecutive-failure predicate cannot fire on the first failed page.
func NewCrawlStatistic() *CrawlStatistic {
	return &CrawlStatistic{LastFail: -1}
}

// RunReport is published to the spider_results queue after every spider run
// and batch-persisted by the processor into the crawl_result collection.
type RunReport struct {
	RunID        string    `json:"run_id" bson:"run_id"`
	TaskID       string    `json:"task_id" bson:"task_id"`
	DatasourceID string    `json:"datasource_id" bson:"datasource_id"`
	WorkerID     string    `json:"worker_id" bson:"worker_id"`
	Spider       string    `json:"spider" bson:"spider"`
	Round        int       `json:"round" bson:"round"`
	Total        int       `json:"total" bson:"total"`
	Success      int       `json:"success" bson:"success"`
	Fail         []int     `json:"fail" bson:"fail"`
	StopReason   string    `json:"stop_reason" bson:"stop_reason"`
	Failed       bool      `json:"failed" bson:"failed"`
	FinishedAt   time.Time `json:"finished_at" bson:"finished_at"`
}
