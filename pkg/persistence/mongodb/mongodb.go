// Package mongodb provides a MongoDB persistence implementation. Scheduled job transitions are
// single-document conditional updates, so any number of workers may share one database.
package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/convoflow/pkg/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const (
	DefaultDatabase = "convoflow"

	flowsCollection         = "automation_flows"
	triggersCollection      = "automation_triggers"
	jobsCollection          = "automation_scheduled_jobs"
	executionsCollection    = "automation_executions"
	organizationsCollection = "organizations"
)

// Persistence implements persistence.Persistence on MongoDB.
type Persistence struct {
	client        *mongo.Client
	db            *mongo.Database
	logger        *slog.Logger
	flowRepo      *FlowRepository
	triggerRepo   *TriggerRepository
	jobRepo       *JobRepository
	executionRepo *ExecutionRepository
}

// NewPersistence connects to uri, ensures indexes and returns a ready store. An empty database
// name falls back to the one in the URI, then DefaultDatabase.
func NewPersistence(ctx context.Context, logger *slog.Logger, uri, database string) (*Persistence, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true}).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if database == "" {
		database = databaseFromURI(uri)
	}

	db := client.Database(database)

	p := &Persistence{
		client:        client,
		db:            db,
		logger:        logger.With("module", "mongodb_persistence"),
		flowRepo:      &FlowRepository{coll: db.Collection(flowsCollection)},
		triggerRepo:   &TriggerRepository{coll: db.Collection(triggersCollection)},
		jobRepo:       &JobRepository{coll: db.Collection(jobsCollection)},
		executionRepo: &ExecutionRepository{coll: db.Collection(executionsCollection)},
	}

	err = p.ensureIndexes(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)

		return nil, err
	}

	return p, nil
}

func databaseFromURI(uri string) string {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil || cs.Database == "" {
		return DefaultDatabase
	}

	return cs.Database
}

func (p *Persistence) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		p.flowRepo.coll: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		p.triggerRepo.coll: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "trigger_type", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "flow_id", Value: 1}}},
		},
		p.jobRepo.coll: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "fire_at", Value: 1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "flow_id", Value: 1}}},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "conversation_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "executed_at", Value: 1}}},
		},
		p.executionRepo.coll: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "flow_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}

	for coll, idx := range indexes {
		_, err := coll.Indexes().CreateMany(ctx, idx)
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}

	p.logger.InfoContext(ctx, "MongoDB indexes ensured", "database", p.db.Name())

	return nil
}

// Database exposes the underlying database for the contact and conversation adapters.
func (p *Persistence) Database() *mongo.Database {
	return p.db
}

func (p *Persistence) FlowRepository() persistence.FlowRepository {
	return p.flowRepo
}

func (p *Persistence) TriggerRepository() persistence.TriggerRepository {
	return p.triggerRepo
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return p.jobRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx, readpref.Primary())
	if err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}

	return nil
}

func (p *Persistence) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}
