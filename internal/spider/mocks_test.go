package spider

import (
	"context"
	"sync"

	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
)

// scriptedFetcher replays a fixed sequence of responses and records every
// request it saw.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []fetchStep
	requests  []interfaces.FetchRequest
}

type fetchStep struct {
	result *interfaces.FetchResult
	err    error
}

func respondOK(body string) fetchStep {
	return fetchStep{result: &interfaces.FetchResult{Status: 200, Body: []byte(body), Attempts: 1}}
}

func respondStatus(status int, err error) fetchStep {
	return fetchStep{result: &interfaces.FetchResult{Status: status, Attempts: 1}, err: err}
}

func (f *scriptedFetcher) Do(ctx context.Context, req interfaces.FetchRequest) (*interfaces.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return respondOK("").result, nil
	}
	step := f.responses[0]
	f.responses = f.responses[1:]
	return step.result, step.err
}

// memoryDocs is an in-memory DocumentStore recording inserts and updates.
// Find serves the canned list entries so detail rounds can replay them.
type memoryDocs struct {
	mu          sync.Mutex
	inserted    map[string][]any
	insertErr   error
	findEntries []models.ListIndexEntry
	findErr     error
}

func newMemoryDocs() *memoryDocs {
	return &memoryDocs{inserted: make(map[string][]any)}
}

func (m *memoryDocs) Find(ctx context.Context, coll string, filter interfaces.Filter, opts interfaces.FindOptions, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return m.findErr
	}
	if entries, ok := out.(*[]models.ListIndexEntry); ok {
		*entries = append([]models.ListIndexEntry(nil), m.findEntries...)
	}
	return nil
}

func (m *memoryDocs) FindOne(ctx context.Context, coll string, filter interfaces.Filter, out any) error {
	return nil
}

func (m *memoryDocs) InsertOne(ctx context.Context, coll string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted[coll] = append(m.inserted[coll], doc)
	return nil
}

func (m *memoryDocs) InsertMany(ctx context.Context, coll string, docs []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted[coll] = append(m.inserted[coll], docs...)
	return nil
}

func (m *memoryDocs) UpdateOne(ctx context.Context, coll string, filter interfaces.Filter, patch interfaces.Patch) (interfaces.UpdateResult, error) {
	return interfaces.UpdateResult{Matched: 1, Modified: 1}, nil
}

func (m *memoryDocs) UpdateMany(ctx context.Context, coll string, filter interfaces.Filter, patch interfaces.Patch) (interfaces.UpdateResult, error) {
	return interfaces.UpdateResult{}, nil
}

func (m *memoryDocs) Drop(ctx context.Context, coll string) error { return nil }

func (m *memoryDocs) Close(ctx context.Context) error { return nil }

func (m *memoryDocs) listEntries() []models.ListIndexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]models.ListIndexEntry, 0, len(m.inserted["list"]))
	for _, doc := range m.inserted["list"] {
		if e, ok := doc.(models.ListIndexEntry); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// memoryObjects is an in-memory ObjectStore recording puts by key.
type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (m *memoryObjects) PutBytes(ctx context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memoryObjects) GetBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[bucket+"/"+key], nil
}

func (m *memoryObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
