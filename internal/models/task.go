package models

import (
	"time"

	"github.com/google/uuid"
)

// Task is the on-wire copy of a DatasourceConfig published to the broker.
// The document-store _id is stripped before publishing; TaskID is a stable
// string id the workers use for object-store keys and log correlation.
type Task struct {
	TaskID    string `json:"_id"`
	Timestamp int64  `json:"timestamp"`
	DatasourceConfig
}

// NewTask builds a publishable task from a datasource config. A config
// without an id gets a generated one so downstream keys stay unique.
func NewTask(cfg DatasourceConfig, now time.Time) Task {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Task{
		TaskID:           id,
		Timestamp:        now.Unix(),
		DatasourceConfig: cfg,
	}
}

// ListIndexEntry is the document written to the list collection for every
// persisted list page. Path is the object-store key of the raw body.
type ListIndexEntry struct {
	ID           string    `json:"id" bson:"id"`
	Path         string    `json:"path" bson:"path"`
	DatasourceID string    `json:"datasource_id" bson:"datasource_id"`
	Round        int       `json:"round" bson:"round"`
	PageCursor   int       `json:"page_cursor" bson:"page_cursor"`
	FetchedAt    time.Time `json:"fetched_at" bson:"fetched_at"`
}
