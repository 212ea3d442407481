// Package hashcache implements the hash cache (C2): a simple key-value
// store mapping a task's input fingerprint to its recorded outputs,
// backed by either a document database or a relational database, the
// way internal/store implements the job store on the same two engines.
package hashcache

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Cache is a key-value store keyed on a task's input fingerprint.
// Get returns (nil, false) on a miss rather than an error: a cache
// miss is an expected, routine outcome, not a failure.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// MemoryCache is an in-process Cache, used by tests and single-process
// runs with no external database configured.
type MemoryCache struct {
	db map[string]any
}

// NewMemoryCache builds an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{db: map[string]any{}}
}

func (c *MemoryCache) Get(_ context.Context, key string) (any, bool, error) {
	v, ok := c.db[key]
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any) error {
	c.db[key] = value
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	delete(c.db, key)
	return nil
}

func (c *MemoryCache) Keys(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(c.db))
	for k := range c.db {
		keys = append(keys, k)
	}
	return keys, nil
}

// DocumentCache is a Cache backed by a MongoDB collection, one
// document per key, shaped `{_key, value}`.
type DocumentCache struct {
	collection *mongo.Collection
}

// NewDocumentCache wraps an existing collection handle.
func NewDocumentCache(collection *mongo.Collection) *DocumentCache {
	return &DocumentCache{collection: collection}
}

type documentCacheEntry struct {
	Key   string `bson:"_key"`
	Value any    `bson:"value"`
}

func (c *DocumentCache) Get(ctx context.Context, key string) (any, bool, error) {
	var entry documentCacheEntry
	err := c.collection.FindOne(ctx, bson.M{"_key": key}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (c *DocumentCache) Set(ctx context.Context, key string, value any) error {
	opts := options.Replace().SetUpsert(true)
	_, err := c.collection.ReplaceOne(ctx, bson.M{"_key": key}, documentCacheEntry{Key: key, Value: value}, opts)
	return err
}

func (c *DocumentCache) Delete(ctx context.Context, key string) error {
	_, err := c.collection.DeleteOne(ctx, bson.M{"_key": key})
	return err
}

func (c *DocumentCache) Keys(ctx context.Context) ([]string, error) {
	cur, err := c.collection.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_key": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var entry struct {
			Key string `bson:"_key"`
		}
		if err := cur.Decode(&entry); err != nil {
			return nil, err
		}
		keys = append(keys, entry.Key)
	}
	return keys, cur.Err()
}

// RelationalCache is a Cache backed by a Postgres table of the shape:
//
//	CREATE TABLE <table> (cache_key TEXT PRIMARY KEY, value JSONB NOT NULL);
type RelationalCache struct {
	db    *sql.DB
	table string
}

// NewRelationalCache wraps an existing *sql.DB.
func NewRelationalCache(db *sql.DB, table string) *RelationalCache {
	return &RelationalCache{db: db, table: table}
}

func (c *RelationalCache) Get(ctx context.Context, key string) (any, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT value FROM `+c.table+` WHERE cache_key = $1`, key)
	var raw []byte
	if err := row.Scan(&raw); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *RelationalCache) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO `+c.table+` (cache_key, value)
		VALUES ($1, $2)
		ON CONFLICT (cache_key) DO UPDATE SET value = $2
	`, key, raw)
	return err
}

func (c *RelationalCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE cache_key = $1`, key)
	return err
}

func (c *RelationalCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT cache_key FROM `+c.table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
