package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/carex-health/carex-server/internal/utils"
)

// Mongo stores intake audit records: one document per appointment submission
// with the structured analysis that was produced for it.
type Mongo struct {
	Client   *mongo.Client
	Database *mongo.Database
	Intakes  *mongo.Collection
}

// IntakeRecord is the audit document written after a document analysis.
type IntakeRecord struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Age         string    `bson:"age"`
	Contact     string    `bson:"contact"`
	Email       string    `bson:"email"`
	Address     string    `bson:"address"`
	Pin         string    `bson:"pin"`
	Analysis    string    `bson:"analysis"`
	SubmittedAt time.Time `bson:"submitted_at"`
}

func NewMongo(ctx context.Context, cfg utils.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	database := client.Database(cfg.Database)
	store := &Mongo{
		Client:   client,
		Database: database,
		Intakes:  database.Collection("intake_records"),
	}

	return store, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Intakes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}, {Key: "submitted_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure intake index: %w", err)
	}

	return nil
}

// RecordIntake writes one audit document. Callers treat failures as
// best-effort and only log them.
func (m *Mongo) RecordIntake(ctx context.Context, record IntakeRecord) error {
	if m == nil || m.Intakes == nil {
		return fmt.Errorf("mongo: intakes collection not initialised")
	}

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = time.Now().UTC()
	}

	if _, err := m.Intakes.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("mongo: record intake: %w", err)
	}

	return nil
}

func timeoutOrDefault(value time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return 10 * time.Second
}
