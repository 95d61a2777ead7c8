package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/clinicsched/clinicsched/internal/platform/mongodb"
	"github.com/clinicsched/clinicsched/pkg/localtime"
)

const (
	schedulesCollection    = "provider_schedules"
	appointmentsCollection = "appointments"
	providerLocks          = "provider_locks"
)

type scheduleDoc struct {
	ProviderID string               `bson:"provider_id"`
	Windows    map[string]DayWindow `bson:"windows"`
	UpdatedBy  string               `bson:"updated_by,omitempty"`
	UpdatedAt  time.Time            `bson:"updated_at"`
}

type historyDoc struct {
	ID             string    `bson:"id"`
	PreviousStatus *string   `bson:"previous_status"`
	NewStatus      string    `bson:"new_status"`
	PerformedBy    string    `bson:"performed_by"`
	PerformedAt    time.Time `bson:"performed_at"`
	Details        string    `bson:"details,omitempty"`
}

type appointmentDoc struct {
	ID              string       `bson:"_id"`
	ProviderID      string       `bson:"provider_id"`
	PatientID       string       `bson:"patient_id"`
	StartAt         time.Time    `bson:"start_at"`
	EndAt           time.Time    `bson:"end_at"`
	DurationMinutes int          `bson:"duration_minutes"`
	Status          string       `bson:"status"`
	Type            string       `bson:"type"`
	Reserving       bool         `bson:"reserving"`
	CompletedAt     *time.Time   `bson:"completed_at,omitempty"`
	CreatedAt       time.Time    `bson:"created_at"`
	UpdatedAt       time.Time    `bson:"updated_at"`
	History         []historyDoc `bson:"history,omitempty"`
}

func toHistoryDoc(h *HistoryEntry) historyDoc {
	d := historyDoc{
		ID:          h.ID.String(),
		NewStatus:   string(h.NewStatus),
		PerformedBy: h.PerformedBy,
		PerformedAt: h.PerformedAt,
		Details:     h.Details,
	}
	if h.PreviousStatus != nil {
		s := string(*h.PreviousStatus)
		d.PreviousStatus = &s
	}
	return d
}

func (d historyDoc) entry(appointmentID uuid.UUID) (*HistoryEntry, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("history entry id %q: %w", d.ID, err)
	}
	h := &HistoryEntry{
		ID:            id,
		AppointmentID: appointmentID,
		NewStatus:     Status(d.NewStatus),
		PerformedBy:   d.PerformedBy,
		PerformedAt:   d.PerformedAt,
		Details:       d.Details,
	}
	if d.PreviousStatus != nil {
		p := Status(*d.PreviousStatus)
		h.PreviousStatus = &p
	}
	return h, nil
}

func (d appointmentDoc) appointment() (*Appointment, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("appointment id %q: %w", d.ID, err)
	}
	return &Appointment{
		ID:              id,
		ProviderID:      d.ProviderID,
		PatientID:       d.PatientID,
		Start:           localtime.InstantOf(d.StartAt),
		DurationMinutes: d.DurationMinutes,
		Status:          Status(d.Status),
		Type:            AppointmentType(d.Type),
		CompletedAt:     d.CompletedAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

// MongoStore keeps schedules and appointments in MongoDB. History is
// embedded in the appointment document.
type MongoStore struct {
	client       *mongo.Client
	schedules    *mongo.Collection
	appointments *mongo.Collection
	locks        *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	dbase := client.Database(database)
	return &MongoStore{
		client:       client,
		schedules:    dbase.Collection(schedulesCollection),
		appointments: dbase.Collection(appointmentsCollection),
		locks:        dbase.Collection(providerLocks),
	}
}

// EnsureIndexes creates the indexes the store relies on. The partial unique
// index on reserving appointments is the storage level double-booking guard.
func (r *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := r.schedules.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "provider_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create schedule indexes: %w", err)
	}

	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "start_at", Value: 1}},
			Options: options.Index().
				SetName("reserving_slot_unique").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"reserving": true}),
		},
		{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "start_at", Value: 1}, {Key: "end_at", Value: 1}}},
	}
	if _, err := r.appointments.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create appointment indexes: %w", err)
	}
	return nil
}

// =========== Schedules ===========

func (r *MongoStore) GetSchedule(ctx context.Context, providerID string) (*ProviderSchedule, error) {
	var doc scheduleDoc
	err := r.schedules.FindOne(ctx, bson.M{"provider_id": providerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sched := NewProviderSchedule(providerID)
	for key, w := range doc.Windows {
		wd, err := strconv.Atoi(key)
		if err != nil || wd < 0 || wd > 6 {
			return nil, fmt.Errorf("provider %s has a window for weekday %q", providerID, key)
		}
		sched.Windows[wd] = w
	}
	updated := doc.UpdatedAt
	sched.UpdatedAt = &updated
	return sched, nil
}

func (r *MongoStore) PutWindow(ctx context.Context, providerID string, weekday time.Weekday, w DayWindow, updatedBy string) error {
	update := bson.M{
		"$set": bson.M{
			"windows." + strconv.Itoa(int(weekday)): w,
			"updated_by":                            updatedBy,
			"updated_at":                            time.Now().UTC(),
		},
		"$setOnInsert": bson.M{"provider_id": providerID},
	}
	_, err := r.schedules.UpdateOne(ctx, bson.M{"provider_id": providerID}, update, options.Update().SetUpsert(true))
	return err
}

// =========== Appointments ===========

// InProviderTx runs fn in a session transaction that first bumps the
// provider's lock document, so two transactions for one provider always
// write-conflict. A conflict is reported as a ContendedSlotError.
func (r *MongoStore) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := mongodb.WithTransaction(ctx, r.client, func(ctx context.Context) error {
		if _, err := r.locks.UpdateOne(ctx,
			bson.M{"_id": providerID},
			bson.M{"$inc": bson.M{"seq": 1}},
			options.Update().SetUpsert(true),
		); err != nil {
			return err
		}
		return fn(ctx)
	})
	if mongodb.IsTransientTransactionError(err) {
		return &ContendedSlotError{ProviderID: providerID, Waited: time.Since(started), Err: err}
	}
	return err
}

func (r *MongoStore) Create(ctx context.Context, a *Appointment, initial *HistoryEntry) error {
	doc := appointmentDoc{
		ID:              a.ID.String(),
		ProviderID:      a.ProviderID,
		PatientID:       a.PatientID,
		StartAt:         a.Start.Time(),
		EndAt:           a.End().Time(),
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Type:            string(a.Type),
		Reserving:       a.Status.Reserving(),
		CompletedAt:     a.CompletedAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		History:         []historyDoc{toHistoryDoc(initial)},
	}
	if _, err := r.appointments.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &SlotConflictError{Requested: a.Interval()}
		}
		return err
	}
	return nil
}

var withoutHistory = options.FindOne().SetProjection(bson.M{"history": 0})

func (r *MongoStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var doc appointmentDoc
	err := r.appointments.FindOne(ctx, bson.M{"_id": id.String()}, withoutHistory).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: "appointment", ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return doc.appointment()
}

func (r *MongoStore) ListOverlapping(ctx context.Context, providerID string, from, to localtime.Instant) ([]*Appointment, error) {
	filter := bson.M{
		"provider_id": providerID,
		"start_at":    bson.M{"$lt": to.Time()},
		"end_at":      bson.M{"$gt": from.Time()},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "start_at", Value: 1}, {Key: "created_at", Value: 1}}).
		SetProjection(bson.M{"history": 0})
	cur, err := r.appointments.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []appointmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	items := make([]*Appointment, 0, len(docs))
	for _, d := range docs {
		a, err := d.appointment()
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, nil
}

func (r *MongoStore) UpdateStatus(ctx context.Context, a *Appointment, previous Status, entry *HistoryEntry) error {
	set := bson.M{
		"status":     string(a.Status),
		"reserving":  a.Status.Reserving(),
		"updated_at": a.UpdatedAt,
	}
	if a.CompletedAt != nil {
		set["completed_at"] = *a.CompletedAt
	}
	res, err := r.appointments.UpdateOne(ctx,
		bson.M{"_id": a.ID.String(), "status": string(previous)},
		bson.M{"$set": set, "$push": bson.M{"history": toHistoryDoc(entry)}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &SlotConflictError{Requested: a.Interval()}
		}
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := r.appointments.CountDocuments(ctx, bson.M{"_id": a.ID.String()})
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Resource: "appointment", ID: a.ID.String()}
	}
	return ErrStaleStatus
}

func (r *MongoStore) History(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error) {
	var doc struct {
		History []historyDoc `bson:"history"`
	}
	err := r.appointments.FindOne(ctx, bson.M{"_id": appointmentID.String()},
		options.FindOne().SetProjection(bson.M{"history": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID.String()}
	}
	if err != nil {
		return nil, err
	}
	out := make([]*HistoryEntry, 0, len(doc.History))
	for _, d := range doc.History {
		h, err := d.entry(appointmentID)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
