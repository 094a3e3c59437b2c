package master

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
	"github.com/ternarybob/dspider/internal/models"
)

type publishedMsg struct {
	exchange   string
	routingKey string
	body       []byte
	opts       interfaces.PublishOptions
}

type mockBroker struct {
	mu         sync.Mutex
	published  []publishedMsg
	publishErr map[int]error // keyed by publish call index
	declared   []string
	closed     bool
}

func (b *mockBroker) DeclareQueue(name string) error {
	b.declared = append(b.declared, name)
	return nil
}
func (b *mockBroker) DeclareExchange(name string) error                  { return nil }
func (b *mockBroker) BindQueue(queue, exchange, routingKey string) error { return nil }

func (b *mockBroker) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts interfaces.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.publishErr[len(b.published)]; err != nil {
		return err
	}
	b.published = append(b.published, publishedMsg{exchange, routingKey, body, opts})
	return nil
}

func (b *mockBroker) Consume(ctx context.Context, queue string, prefetch int, h interfaces.Handler) error {
	return nil
}
func (b *mockBroker) QueueDepth(name string) (int, error) { return 0, nil }
func (b *mockBroker) Reset() error                        { return nil }
func (b *mockBroker) Close() error                        { b.closed = true; return nil }

type recordedUpdate struct {
	filter interfaces.Filter
	patch  interfaces.Patch
}

type mockStore struct {
	mu        sync.Mutex
	configs   []models.DatasourceConfig
	findErr   error
	lastSort  []interfaces.SortField
	lastLimit int64
	updates   []recordedUpdate
	updateErr error
	matched   int64
	closed    bool
}

func (s *mockStore) Find(ctx context.Context, coll string, filter interfaces.Filter, opts interfaces.FindOptions, out any) error {
	if s.findErr != nil {
		return s.findErr
	}
	s.lastSort = opts.Sort
	s.lastLimit = opts.Limit
	*out.(*[]models.DatasourceConfig) = s.configs
	return nil
}

func (s *mockStore) FindOne(ctx context.Context, coll string, filter interfaces.Filter, out any) error {
	return nil
}
func (s *mockStore) InsertOne(ctx context.Context, coll string, doc any) error    { return nil }
func (s *mockStore) InsertMany(ctx context.Context, coll string, docs []any) error { return nil }

func (s *mockStore) UpdateOne(ctx context.Context, coll string, filter interfaces.Filter, patch interfaces.Patch) (interfaces.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return interfaces.UpdateResult{}, s.updateErr
	}
	s.updates = append(s.updates, recordedUpdate{filter, patch})
	return interfaces.UpdateResult{Matched: s.matched, Modified: s.matched}, nil
}

func (s *mockStore) UpdateMany(ctx context.Context, coll string, filter interfaces.Filter, patch interfaces.Patch) (interfaces.UpdateResult, error) {
	return interfaces.UpdateResult{}, nil
}
func (s *mockStore) Drop(ctx context.Context, coll string) error { return nil }
func (s *mockStore) Close(ctx context.Context) error             { s.closed = true; return nil }

func newTestMaster(t *testing.T, broker *mockBroker, store *mockStore) *Master {
	t.Helper()
	m, err := New(
		common.MasterConfig{
			TaskQueue:       "task_queue",
			TaskBatchSize:   50,
			PollingInterval: 10 * time.Millisecond,
			MaxConsecFails:  3,
		},
		func() (interfaces.Broker, error) { return broker, nil },
		func() (interfaces.DocumentStore, error) { return store, nil },
		common.GetLogger(),
	)
	require.NoError(t, err)
	return m
}

func readyConfig(id string, priority int) models.DatasourceConfig {
	return models.DatasourceConfig{
		ID:       id,
		State:    models.StateReady,
		Priority: priority,
		RequestParams: models.RequestParams{
			APIURL: "https://x/api?p={0}",
		},
		Pagination: []int{1, 1},
	}
}

func TestMasterDispatchesBatchWithPriorities(t *testing.T) {
	broker := &mockBroker{}
	store := &mockStore{
		configs: []models.DatasourceConfig{readyConfig("a", 5), readyConfig("b", 1)},
		matched: 1,
	}
	m := newTestMaster(t, broker, store)

	dispatched, err := m.iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)

	require.Len(t, broker.published, 2)
	assert.Equal(t, uint8(5), broker.published[0].opts.Priority)
	assert.Equal(t, uint8(1), broker.published[1].opts.Priority)
	assert.True(t, broker.published[0].opts.Persistent)
	assert.Equal(t, "task_queue", broker.published[0].routingKey)
	assert.Equal(t, "", broker.published[0].exchange)

	// The payload is a Task: the config plus a publish timestamp and id.
	var task models.Task
	require.NoError(t, json.Unmarshal(broker.published[0].body, &task))
	assert.Equal(t, "a", task.DatasourceConfig.ID)
	assert.Equal(t, "a", task.TaskID)
	assert.NotZero(t, task.Timestamp)

	// Promotion is a compare-and-set on the state that was read.
	require.Len(t, store.updates, 2)
	assert.Equal(t, "a", store.updates[0].filter["id"])
	assert.Equal(t, models.StateReady, store.updates[0].filter["state"])
	set := store.updates[0].patch["$set"].(map[string]any)
	assert.Equal(t, models.StateDispatched, set["state"])
	assert.NotNil(t, set["distributed_at"])

	// Query shape: priority DESC then id ASC, bounded by the batch size.
	require.Len(t, store.lastSort, 2)
	assert.Equal(t, interfaces.SortField{Key: "priority", Desc: true}, store.lastSort[0])
	assert.Equal(t, interfaces.SortField{Key: "id"}, store.lastSort[1])
	assert.Equal(t, int64(50), store.lastLimit)
}

func TestMasterPublishFailureAbortsBatch(t *testing.T) {
	broker := &mockBroker{publishErr: map[int]error{1: common.E(common.KindTransport, "channel closed")}}
	store := &mockStore{
		configs: []models.DatasourceConfig{readyConfig("a", 0), readyConfig("b", 0), readyConfig("c", 0)},
		matched: 1,
	}
	m := newTestMaster(t, broker, store)

	dispatched, err := m.iterate(context.Background())
	require.Error(t, err)

	// The first config was published and promoted; the rest of the batch is
	// abandoned until the next poll.
	assert.Equal(t, 1, dispatched)
	assert.Len(t, broker.published, 1)
	assert.Len(t, store.updates, 1)
}

func TestMasterPromotionFailureDoesNotAbort(t *testing.T) {
	broker := &mockBroker{}
	store := &mockStore{
		configs:   []models.DatasourceConfig{readyConfig("a", 0), readyConfig("b", 0)},
		updateErr: common.E(common.KindTransport, "store down"),
	}
	m := newTestMaster(t, broker, store)

	dispatched, err := m.iterate(context.Background())
	require.NoError(t, err)

	// Duplicate dispatch beats silent loss: both are published even though
	// neither promotion stuck.
	assert.Equal(t, 2, dispatched)
	assert.Len(t, broker.published, 2)
}

func TestMasterSkipsRowClaimedElsewhere(t *testing.T) {
	broker := &mockBroker{}
	store := &mockStore{
		configs: []models.DatasourceConfig{readyConfig("a", 0)},
		matched: 0,
	}
	m := newTestMaster(t, broker, store)

	dispatched, err := m.iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestMasterEmptyBatch(t *testing.T) {
	broker := &mockBroker{}
	store := &mockStore{matched: 1}
	m := newTestMaster(t, broker, store)

	dispatched, err := m.iterate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dispatched)
	assert.Empty(t, broker.published)
}

func TestMasterRebuildClients(t *testing.T) {
	oldBroker := &mockBroker{}
	oldStore := &mockStore{}
	newBroker := &mockBroker{}
	newStore := &mockStore{}

	builds := 0
	m, err := New(
		common.MasterConfig{TaskQueue: "task_queue", TaskBatchSize: 1, MaxConsecFails: 3},
		func() (interfaces.Broker, error) {
			builds++
			if builds == 1 {
				return oldBroker, nil
			}
			return newBroker, nil
		},
		func() (interfaces.DocumentStore, error) {
			if builds == 1 {
				return oldStore, nil
			}
			return newStore, nil
		},
		common.GetLogger(),
	)
	require.NoError(t, err)

	m.consecFails = 3
	m.rebuildClients()

	assert.True(t, oldBroker.closed)
	assert.True(t, oldStore.closed)
	assert.Same(t, newBroker, m.broker.(*mockBroker))
	assert.Same(t, newStore, m.docs.(*mockStore))
	assert.Zero(t, m.consecFails)
}

func TestClampPriority(t *testing.T) {
	tests := []struct {
		in   int
		want uint8
	}{
		{-2, 0},
		{0, 0},
		{7, 7},
		{10, 10},
		{99, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clampPriority(tt.in))
	}
}
