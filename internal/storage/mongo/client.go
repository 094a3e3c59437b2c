package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ternarybob/dspider/internal/common"
	"github.com/ternarybob/dspider/internal/interfaces"
)

// Collection names used by the pipeline.
const (
	CollDatasourceConfig = "recruitment_datasource_config"
	CollList             = "list"
	CollCookies          = "cookies"
	CollJDConfig         = "jd_config"
)

const connectTimeout = 10 * time.Second

// Store implements interfaces.DocumentStore on MongoDB. The underlying
// driver client is safe for concurrent use.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger arbor.ILogger
}

// New connects to MongoDB and pings it so startup fails fast on bad config.
func New(cfg common.MongoConfig, logger arbor.ILogger) (*Store, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI()).
		SetConnectTimeout(connectTimeout))
	if err != nil {
		return nil, common.Wrap(common.KindTransport, "connect mongodb", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, common.Wrap(common.KindTransport, "ping mongodb", err)
	}

	logger.Debug().Str("db", cfg.DBName).Msg("MongoDB connection established")
	return &Store{client: client, db: client.Database(cfg.DBName), logger: logger}, nil
}

func (s *Store) Find(ctx context.Context, coll string, filter interfaces.Filter, opts interfaces.FindOptions, out any) error {
	fo := options.Find()
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if len(opts.Sort) > 0 {
		sort := bson.D{}
		for _, f := range opts.Sort {
			order := 1
			if f.Desc {
				order = -1
			}
			sort = append(sort, bson.E{Key: f.Key, Value: order})
		}
		fo.SetSort(sort)
	}

	cur, err := s.db.Collection(coll).Find(ctx, toBSON(filter), fo)
	if err != nil {
		return classify(fmt.Sprintf("find %s", coll), err)
	}
	if err := cur.All(ctx, out); err != nil {
		return classify(fmt.Sprintf("decode %s", coll), err)
	}
	return nil
}

func (s *Store) FindOne(ctx context.Context, coll string, filter interfaces.Filter, out any) error {
	err := s.db.Collection(coll).FindOne(ctx, toBSON(filter)).Decode(out)
	if err != nil {
		return classify(fmt.Sprintf("find one %s", coll), err)
	}
	return nil
}

func (s *Store) InsertOne(ctx context.Context, coll string, doc any) error {
	_, err := s.db.Collection(coll).InsertOne(ctx, doc)
	if err != nil {
		return classify(fmt.Sprintf("insert %s", coll), err)
	}
	return nil
}

func (s *Store) InsertMany(ctx context.Context, coll string, docs []any) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := s.db.Collection(coll).InsertMany(ctx, docs)
	if err != nil {
		return classify(fmt.Sprintf("insert many %s", coll), err)
	}
	return nil
}

func (s *Store) UpdateOne(ctx context.Context, coll string, filter interfaces.Filter, patch interfaces.Patch) (interfaces.UpdateResult, error) {
	res, err := s.db.Collection(coll).UpdateOne(ctx, toBSON(filter), toBSON(patch))
	if err != nil {
		return interfaces.UpdateResult{}, classify(fmt.Sprintf("update %s", coll), err)
	}
	return interfaces.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (s *Store) UpdateMany(ctx context.Context, coll string, filter interfaces.Filter, patch interfaces.Patch) (interfaces.UpdateResult, error) {
	res, err := s.db.Collection(coll).UpdateMany(ctx, toBSON(filter), toBSON(patch))
	if err != nil {
		return interfaces.UpdateResult{}, classify(fmt.Sprintf("update many %s", coll), err)
	}
	return interfaces.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (s *Store) Drop(ctx context.Context, coll string) error {
	if err := s.db.Collection(coll).Drop(ctx); err != nil {
		return classify(fmt.Sprintf("drop %s", coll), err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toBSON(m map[string]any) bson.M {
	if m == nil {
		return bson.M{}
	}
	return bson.M(m)
}

// classify maps driver errors onto the error taxonomy.
func classify(msg string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return common.Wrap(common.KindNotFound, msg, err)
	case mongo.IsDuplicateKeyError(err):
		return common.Wrap(common.KindConflict, msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return common.Wrap(common.KindTimeout, msg, err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("InvalidQuery") {
		return common.Wrap(common.KindBadQuery, msg, err)
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		return common.Wrap(common.KindBadQuery, msg, err)
	}
	return common.Wrap(common.KindTransport, msg, err)
}
