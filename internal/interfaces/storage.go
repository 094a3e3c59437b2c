package interfaces

import "context"

// Filter is a document-store query filter, e.g. {"id": "42"} or
// {"state": {"$in": []int{0, 101}}}.
type Filter map[string]any

// Patch is a document-store update document, e.g. {"$set": {"state": 1}}.
type Patch map[string]any

// SortField orders query results on one key.
type SortField struct {
	Key  string
	Desc bool
}

// FindOptions bounds and orders a Find call.
type FindOptions struct {
	Limit int64
	Sort  []SortField
}

// UpdateResult reports how many documents an update touched. Matched == 0 on
// a compare-and-set update means another process claimed the document.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// DocumentStore is the typed-collection contract over the document database.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	Find(ctx context.Context, coll string, filter Filter, opts FindOptions, out any) error
	FindOne(ctx context.Context, coll string, filter Filter, out any) error
	InsertOne(ctx context.Context, coll string, doc any) error
	InsertMany(ctx context.Context, coll string, docs []any) error
	UpdateOne(ctx context.Context, coll string, filter Filter, patch Patch) (UpdateResult, error)
	UpdateMany(ctx context.Context, coll string, filter Filter, patch Patch) (UpdateResult, error)
	Drop(ctx context.Context, coll string) error
	Close(ctx context.Context) error
}

// ObjectStore stores opaque byte blobs under content-addressed keys.
// Buckets are created on first use; no versioning semantics.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutBytes(ctx context.Context, bucket, key string, data []byte) error
	GetBytes(ctx context.Context, bucket, key string) ([]byte, error)
}
