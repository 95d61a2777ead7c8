package provider

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const providersCollection = "providers"

type MongoRepo struct {
	providers *mongo.Collection
}

func NewMongoRepo(client *mongo.Client, database string) *MongoRepo {
	return &MongoRepo{providers: client.Database(database).Collection(providersCollection)}
}

// EnsureIndexes creates the listing index. The _id carries uniqueness.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.providers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "role", Value: 1}, {Key: "display_name", Value: 1}},
	})
	return err
}

func (r *MongoRepo) Create(ctx context.Context, p *Provider) error {
	_, err := r.providers.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (r *MongoRepo) GetByID(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	err := r.providers.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *MongoRepo) Update(ctx context.Context, p *Provider) error {
	res, err := r.providers.UpdateOne(ctx, bson.M{"_id": p.ID}, bson.M{"$set": bson.M{
		"display_name": p.DisplayName,
		"role":         p.Role,
		"active":       p.Active,
		"updated_at":   p.UpdatedAt,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepo) List(ctx context.Context, f Filter, limit, offset int) ([]*Provider, int, error) {
	filter := bson.M{}
	if f.Role != "" {
		filter["role"] = f.Role
	}
	if f.ActiveOnly {
		filter["active"] = true
	}

	total, err := r.providers.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "display_name", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.providers.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	providers := []*Provider{}
	if err := cur.All(ctx, &providers); err != nil {
		return nil, 0, err
	}
	return providers, int(total), nil
}
