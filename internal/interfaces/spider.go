package interfaces

import (
	"context"

	"github.com/ternarybob/dspider/internal/models"
)

// Spider is a named crawl strategy. Start runs one full round over a task
// and returns the run statistic plus nil on a clean stop, a permanent error
// (no page variable, bad schema) when the task can never succeed, or a
// transient error when the task should be redelivered. The statistic is
// non-nil even on error so the caller can report partial progress.
type Spider interface {
	Name() string
	Start(ctx context.Context, task models.Task) (*models.CrawlStatistic, error)
}
