package db

import (
	"context"
	"stashbin/pkg/domain"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoDB struct {
	client       *mongo.Client
	collection   *mongo.Collection
	queryTimeout time.Duration
}

// BSON datetimes carry millisecond precision.
type mongoRecord struct {
	ID            string     `bson:"_id"`
	Extension     string     `bson:"extension"`
	Tier          string     `bson:"tier"`
	InlineContent []byte     `bson:"inline_content,omitempty"`
	ObjectRef     string     `bson:"object_ref,omitempty"`
	Size          int64      `bson:"size"`
	CreatedAt     time.Time  `bson:"created_at"`
	ExpiresAt     *time.Time `bson:"expires_at,omitempty"`
}

func NewMongoDB(ctx context.Context, uri, database, collection string, queryTimeout time.Duration) (*MongoDB, error) {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongodb")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongodb")
	}
	m := &MongoDB{
		client:       client,
		collection:   client.Database(database).Collection(collection),
		queryTimeout: queryTimeout,
	}
	if err := m.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// ensureIndexes creates a plain index on expires_at. A TTL index would let the
// server drop records before the sweeper reclaims their blobs.
func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	})
	return errors.Wrap(err, "create expires_at index")
}
func toMongoRecord(p *domain.Paste) mongoRecord {
	rec := mongoRecord{
		ID:        p.ID,
		Extension: p.Extension,
		Tier:      p.Tier().String(),
		Size:      p.Size,
		CreatedAt: p.CreatedAt.UTC(),
	}
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	}
	switch c := p.Content.(type) {
	case domain.Inline:
		rec.InlineContent = c.Body
	case domain.Offloaded:
		rec.ObjectRef = c.Ref
	}
	return rec
}
func (r mongoRecord) paste() (*domain.Paste, error) {
	p := &domain.Paste{
		ID:        r.ID,
		Extension: r.Extension,
		Size:      r.Size,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
	switch r.Tier {
	case domain.TierInline.String():
		body := r.InlineContent
		if body == nil {
			body = []byte{}
		}
		p.Content = domain.Inline{Body: body}
	case domain.TierOffloaded.String():
		p.Content = domain.Offloaded{Ref: r.ObjectRef}
	default:
		return nil, errors.Errorf("paste %s has unknown tier %q", r.ID, r.Tier)
	}
	return p, nil
}
func (m *MongoDB) Insert(ctx context.Context, p *domain.Paste) error {
	if err := p.Validate(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	_, err := m.collection.InsertOne(queryCtx, toMongoRecord(p))
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrDuplicateID
	}
	if err != nil {
		return domain.Unavailable("mongodb insert", err)
	}
	return nil
}
func (m *MongoDB) Get(ctx context.Context, id string) (*domain.Paste, error) {
	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": bson.M{"$gt": time.Now().UTC()}},
		},
	}
	var rec mongoRecord
	err := m.collection.FindOne(queryCtx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("mongodb get", err)
	}
	return rec.paste()
}
func (m *MongoDB) Delete(ctx context.Context, id string) error {
	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	res, err := m.collection.DeleteOne(queryCtx, bson.M{"_id": id})
	if err != nil {
		return domain.Unavailable("mongodb delete", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}
func (m *MongoDB) ListExpired(ctx context.Context, asOf time.Time, after string, limit int) ([]*domain.Paste, error) {
	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	cur, err := m.collection.Find(queryCtx,
		expiredFilter(asOf, after),
		options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.M{"inline_content": 0}),
	)
	if err != nil {
		return nil, domain.Unavailable("mongodb list expired", err)
	}
	defer cur.Close(queryCtx)
	var out []*domain.Paste
	for cur.Next(queryCtx) {
		var rec mongoRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, errors.Wrap(err, "decode expired paste")
		}
		p, err := rec.paste()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := cur.Err(); err != nil {
		return nil, domain.Unavailable("mongodb list expired", err)
	}
	return out, nil
}
func expiredFilter(asOf time.Time, after string) bson.M {
	filter := bson.M{"expires_at": bson.M{"$lte": asOf.UTC()}}
	if after != "" {
		filter["_id"] = bson.M{"$gt": after}
	}
	return filter
}
func (m *MongoDB) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	return errors.Wrap(m.client.Ping(queryCtx, nil), "mongodb ping")
}
func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
