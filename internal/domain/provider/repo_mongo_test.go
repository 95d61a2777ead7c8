package provider

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	doc := func(id, name string, active bool) bson.D {
		return bson.D{
			{Key: "_id", Value: id},
			{Key: "display_name", Value: name},
			{Key: "role", Value: RoleDentist},
			{Key: "active", Value: active},
			{Key: "created_at", Value: fixedNow},
			{Key: "updated_at", Value: fixedNow},
		}
	}

	mt.Run("create", func(mt *mtest.T) {
		repo := NewMongoRepo(mt.Client, mt.DB.Name())
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		p := &Provider{ID: "dr-lee", DisplayName: "Dr. Lee", Role: RoleDentist, Active: true}
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	mt.Run("create duplicate", func(mt *mtest.T) {
		repo := NewMongoRepo(mt.Client, mt.DB.Name())
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}))

		err := repo.Create(ctx, &Provider{ID: "dr-lee", DisplayName: "Dr. Lee", Role: RoleDentist})
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
	})

	mt.Run("get by id", func(mt *mtest.T) {
		repo := NewMongoRepo(mt.Client, mt.DB.Name())
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "clinicsched.providers", mtest.FirstBatch, doc("dr-lee", "Dr. Lee", true)))

		p, err := repo.GetByID(ctx, "dr-lee")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.ID != "dr-lee" || p.DisplayName != "Dr. Lee" || !p.Active {
			t.Errorf("unexpected provider %+v", p)
		}
	})

	mt.Run("get missing", func(mt *mtest.T) {
		repo := NewMongoRepo(mt.Client, mt.DB.Name())
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "clinicsched.providers", mtest.FirstBatch))

		if _, err := repo.GetByID(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("update missing", func(mt *mtest.T) {
		repo := NewMongoRepo(mt.Client, mt.DB.Name())
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))

		err := repo.Update(ctx, &Provider{ID: "ghost", DisplayName: "G", Role: RoleDentist})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("list", func(mt *mtest.T) {
		repo := NewMongoRepo(mt.Client, mt.DB.Name())
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "clinicsched.providers", mtest.FirstBatch, bson.D{{Key: "n", Value: 2}}),
			mtest.CreateCursorResponse(0, "clinicsched.providers", mtest.FirstBatch,
				doc("dr-kim", "Kim", true), doc("dr-lee", "Lee", true)),
		)

		items, total, err := repo.List(ctx, Filter{ActiveOnly: true}, 10, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if total != 2 || len(items) != 2 || items[0].ID != "dr-kim" {
			t.Errorf("unexpected result total=%d items=%v", total, items)
		}
	})
}
