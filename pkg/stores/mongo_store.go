package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/icos-project/polman/pkg/model"
)

const mongoCollection = "policies"

// MongoStore keeps one document per policy in a MongoDB collection.
// Mutators are single-document updates, which MongoDB applies atomically.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// MongoURI builds a connection string from discrete settings when no URL
// is configured.
func MongoURI(cfg Config) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	u := url.URL{Scheme: "mongodb", Host: cfg.Host}
	if cfg.Port != 0 {
		u.Host = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, cfg Config) (*MongoStore, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "polman"
	}

	opts := options.Client().
		ApplyURI(MongoURI(cfg)).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(name).Collection(mongoCollection),
	}, nil
}

// toBSON converts a value through its JSON form so that the stored document
// has exactly the JSON field names.
func toBSON(v interface{}) (bson.M, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromBSON(doc bson.M) (*model.Policy, error) {
	delete(doc, "_id")
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	p := &model.Policy{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if p.Status.Events == nil {
		p.Status.Events = []model.Event{}
	}
	return p, nil
}

func (s *MongoStore) Insert(ctx context.Context, p *model.Policy) error {
	doc, err := toBSON(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy %s: %w", p.ID, err)
	}
	doc["_id"] = p.ID

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errAlreadyExists(p.ID)
		}
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*model.Policy, error) {
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return fromBSON(doc)
}

// List pushes the filters down as equality matches on the dotted paths.
func (s *MongoStore) List(ctx context.Context, filters Filters) ([]*model.Policy, error) {
	query := bson.M{}
	for path, value := range filters {
		query[path] = value
	}

	cursor, err := s.collection.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "$natural", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer cursor.Close(ctx)

	policies := []*model.Policy{}
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode policy: %w", err)
		}
		p, err := fromBSON(doc)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}
	return policies, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if res.DeletedCount == 0 {
		return model.NewNotFoundError(id)
	}
	return nil
}

func (s *MongoStore) AddEvent(ctx context.Context, id string, event model.Event) error {
	doc, err := toBSON(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.updateOne(ctx, id, bson.M{"$push": bson.M{"status.events": doc}})
}

func (s *MongoStore) SetPhase(ctx context.Context, id string, phase model.Phase) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{"status.phase": string(phase)}})
}

func (s *MongoStore) SetRenderedSpec(ctx context.Context, id string, spec model.Spec) error {
	if spec == nil {
		return s.updateOne(ctx, id, bson.M{"$set": bson.M{"status.renderedSpec": nil}})
	}
	doc, err := toBSON(spec)
	if err != nil {
		return fmt.Errorf("failed to encode rendered spec: %w", err)
	}
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{"status.renderedSpec": doc}})
}

func (s *MongoStore) SetVariable(ctx context.Context, id, name string, value interface{}) error {
	field := "variables." + name
	if value == nil {
		return s.updateOne(ctx, id, bson.M{"$unset": bson.M{field: ""}})
	}
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{field: value}})
}

func (s *MongoStore) UpdateMeasurementBackend(ctx context.Context, id, name string, status map[string]interface{}) error {
	doc, err := toBSON(status)
	if err != nil {
		return fmt.Errorf("failed to encode backend status: %w", err)
	}
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{"status.measurementBackends." + name: doc}})
}

func (s *MongoStore) DeleteMeasurementBackend(ctx context.Context, id, name string) error {
	return s.updateOne(ctx, id, bson.M{"$unset": bson.M{"status.measurementBackends." + name: ""}})
}

func (s *MongoStore) updateOne(ctx context.Context, id string, update bson.M) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update policy %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return model.NewNotFoundError(id)
	}
	return nil
}

func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
