package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/semmy-space/credkeep/internal/credential"
)

const (
	DefaultMongoDatabase   = "credkeep"
	DefaultMongoCollection = "credentials"

	mongoConnectTimeout = 10 * time.Second
)

// Compile-time interface satisfaction check.
var _ Backend = (*Mongo)(nil)

// Mongo is a Backend for deployments where several hosts share one store.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// mongoDoc is the stored shape. Times are Unix milliseconds.
type mongoDoc struct {
	Key        string `bson:"_id"`
	AccountID  string `bson:"account_id"`
	Ciphertext string `bson:"ciphertext"`
	Status     string `bson:"status"`
	LastUsedAt int64  `bson:"last_used_at"`
	UpdatedAt  int64  `bson:"updated_at"`
}

func docFromRecord(rec Record) mongoDoc {
	return mongoDoc{
		Key:        rec.Key,
		AccountID:  rec.AccountID,
		Ciphertext: rec.Ciphertext,
		Status:     string(rec.Status),
		LastUsedAt: toUnixMillis(rec.LastUsedAt),
		UpdatedAt:  toUnixMillis(rec.UpdatedAt),
	}
}

func (d mongoDoc) record() Record {
	return Record{
		Key:        d.Key,
		AccountID:  d.AccountID,
		Ciphertext: d.Ciphertext,
		Status:     credential.Status(d.Status),
		LastUsedAt: fromUnixMillis(d.LastUsedAt),
		UpdatedAt:  fromUnixMillis(d.UpdatedAt),
	}
}

// OpenMongo connects to uri and verifies the server answers.
func OpenMongo(ctx context.Context, uri, database, collection string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo_uri is not set")
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Mongo{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

func (m *Mongo) Get(ctx context.Context, key string) (Record, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get credential %q: %w", key, err)
	}
	return doc.record(), nil
}

func (m *Mongo) Put(ctx context.Context, rec Record) error {
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": rec.Key}, docFromRecord(rec),
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put credential %q: %w", rec.Key, err)
	}
	return nil
}

func (m *Mongo) UpdateStatus(ctx context.Context, key, accountID string, status credential.Status, at time.Time) error {
	ms := toUnixMillis(at)
	update := bson.M{
		"$set": bson.M{
			"status":       string(status),
			"last_used_at": ms,
			"updated_at":   ms,
		},
		"$setOnInsert": bson.M{
			"account_id": accountID,
			"ciphertext": "",
		},
	}
	_, err := m.coll.UpdateOne(ctx, bson.M{"_id": key}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update status %q: %w", key, err)
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, key string) error {
	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete credential %q: %w", key, err)
	}
	return nil
}

func (m *Mongo) List(ctx context.Context) ([]Record, error) {
	cursor, err := m.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "account_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}

	out := make([]Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
