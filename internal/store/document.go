package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apierrors "github.com/trainforge/trainforge/internal/errors"
)

// DocumentStore is a Store backed by a MongoDB collection, one document
// per pipeline or task record, keyed by its label field.
type DocumentStore struct {
	collection *mongo.Collection
}

// NewDocumentStore wraps an existing collection handle. Callers are
// expected to have already created a unique index on labelField.
func NewDocumentStore(collection *mongo.Collection) *DocumentStore {
	return &DocumentStore{collection: collection}
}

func (s *DocumentStore) Get(ctx context.Context, label string) (map[string]any, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{labelField: label}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, apierrors.NewNotFound(label)
	}
	if err != nil {
		return nil, err
	}
	delete(doc, "_id")
	return bsonMToMap(doc), nil
}

func (s *DocumentStore) Set(ctx context.Context, value map[string]any) error {
	if err := checkSetPreconditions(value); err != nil {
		return err
	}
	label := value[labelField]
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{labelField: label}, value, opts)
	return err
}

func (s *DocumentStore) Exists(ctx context.Context, label string) (bool, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{labelField: label})
	return n > 0, err
}

func (s *DocumentStore) Remove(ctx context.Context, label string) (bool, error) {
	res, err := s.collection.DeleteOne(ctx, bson.M{labelField: label})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *DocumentStore) GetParent(ctx context.Context, label string) (map[string]any, error) {
	child, err := s.Get(ctx, label)
	if err != nil {
		return nil, err
	}
	parent, ok := child[parentField].(string)
	if !ok {
		return nil, apierrors.NewNotFound(label)
	}
	return s.Get(ctx, parent)
}

func (s *DocumentStore) GetPrevious(ctx context.Context, label string) ([]map[string]any, error) {
	parent, err := s.GetParent(ctx, label)
	if err != nil {
		return nil, err
	}
	executed, _ := parent["executed"].([]any)
	out := make([]map[string]any, 0, len(executed))
	for _, e := range executed {
		name, ok := e.(string)
		if !ok {
			continue
		}
		entry, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *DocumentStore) ParentsLike(ctx context.Context, pattern string) ([]string, error) {
	matches, err := s.labelsMatching(ctx, pattern)
	if err != nil {
		return nil, err
	}
	parents, _ := splitParentsChildren(matches)
	return parents, nil
}

func (s *DocumentStore) ChildrenLike(ctx context.Context, pattern string) ([]string, error) {
	matches, err := s.labelsMatching(ctx, pattern)
	if err != nil {
		return nil, err
	}
	_, children := splitParentsChildren(matches)
	return children, nil
}

// labelsMatching lists every label in the collection and filters in
// Go: the regex patterns this store receives (spec.md's ParentsLike/
// ChildrenLike) are the same Python `re.match` patterns the reference
// implementation runs in-process, so filtering after a cheap
// projection-only scan keeps identical matching semantics instead of
// translating Python regex into a Mongo `$regex` dialect that might
// diverge on edge cases.
func (s *DocumentStore) labelsMatching(ctx context.Context, pattern string) ([]string, error) {
	cur, err := s.collection.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{labelField: 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var labels []string
	for cur.Next(ctx) {
		var doc struct {
			Label string `bson:"label"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		labels = append(labels, doc.Label)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return matchLike(pattern, labels)
}

func bsonMToMap(m bson.M) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
