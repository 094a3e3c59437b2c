package models

import "time"

// ConfigState is the lifecycle marker of a datasource config.
// Transitions form a DAG: READY→DISPATCHED→IN_PROGRESS→{DONE|FAILED|RETRY},
// RETRY→READY. The Master owns READY↔DISPATCHED, the worker owns the rest.
type ConfigState int

const (
	StateFailed     ConfigState = -1
	StateReady      ConfigState = 0
	StateDispatched ConfigState = 1
	StateInProgress ConfigState = 2
	StateDone       ConfigState = 3
	StateRetry      ConfigState = 101
)

func (s ConfigState) String() string {
	switch s {
	case StateFailed:
		return "failed"
	case StateReady:
		return "ready"
	case StateDispatched:
		return "dispatched"
	case StateInProgress:
		return "in_progress"
	case StateDone:
		return "done"
	case StateRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// AdditionalParams carries first-page overrides. When either field is
// non-empty the very first request of a run uses these instead of the
// templated api_url/postdata.
type AdditionalParams struct {
	IndexAPIURL   string            `json:"index_api_url" bson:"index_api_url"`
	IndexPostdata map[string]string `json:"index_postdata" bson:"index_postdata"`
}

// RequestParams describes the request shape of a paginated listing API.
// Exactly one of APIURL or a postdata value contains the {0} page variable.
type RequestParams struct {
	APIURL     string            `json:"api_url" bson:"api_url"`
	Headers    map[string]string `json:"headers" bson:"headers"`
	Cookies    map[string]string `json:"cookies" bson:"cookies"`
	Postdata   map[string]string `json:"postdata" bson:"postdata"`
	Additional AdditionalParams  `json:"additional" bson:"additional"`
}

// URLRule maps list-item keys onto detail-request keys. An empty Postdata
// map means the detail request is a GET built from Params query pairs.
type URLRule struct {
	URLPath  string            `json:"url_path" bson:"url_path"`
	Params   map[string]string `json:"params" bson:"params"`
	Postdata map[string]string `json:"postdata" bson:"postdata"`
}

// ListPageRule locates the item array in a list-page response and tells the
// extractor how to derive detail URLs from each item.
type ListPageRule struct {
	ListData string  `json:"list_data" bson:"list_data"`
	URLRule  URLRule `json:"url_rule" bson:"url_rule"`
}

type ParseRule struct {
	ListPage   ListPageRule   `json:"list_page" bson:"list_page"`
	DetailPage map[string]any `json:"detail_page,omitempty" bson:"detail_page,omitempty"`
}

type Schedule struct {
	Type            string `json:"type" bson:"type"`
	IntervalSeconds int    `json:"interval_seconds" bson:"interval_seconds"`
}

// DatasourceConfig is the unit of crawl work, stored in the
// recruitment_datasource_config collection. The authoritative logical key is
// ID; the document-store _id is opaque and never leaves the store layer.
type DatasourceConfig struct {
	ID             string        `json:"id" bson:"id"`
	State          ConfigState   `json:"state" bson:"state"`
	Priority       int           `json:"priority" bson:"priority"`
	SocialIndexURL string        `json:"social_index_url" bson:"social_index_url"`
	NeedHeaders    bool          `json:"need_headers" bson:"need_headers"`
	RequestParams  RequestParams `json:"request_params" bson:"request_params"`
	Pagination     []int         `json:"pagination" bson:"pagination"`
	ParseRule      ParseRule     `json:"parse_rule" bson:"parse_rule"`
	Schedule       Schedule      `json:"schedule" bson:"schedule"`
	Round          int           `json:"round" bson:"round"`
	DistributedAt  time.Time     `json:"distributed_at,omitempty" bson:"distributed_at,omitempty"`
	InsertTime     time.Time     `json:"insert_time,omitempty" bson:"insert_time,omitempty"`
	UpdateTime     time.Time     `json:"update_time,omitempty" bson:"update_time,omitempty"`
}

// PaginationStart returns the starting page cursor, defaulting to 1.
func (c *DatasourceConfig) PaginationStart() int {
	if len(c.Pagination) > 0 {
		return c.Pagination[0]
	}
	return 1
}

// PaginationStep returns the cursor step, defaulting to 1. A stored step of
// zero or less is treated as 1 so cursors always advance.
func (c *DatasourceConfig) PaginationStep() int {
	if len(c.Pagination) > 1 && c.Pagination[1] > 0 {
		return c.Pagination[1]
	}
	return 1
}
