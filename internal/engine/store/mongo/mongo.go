// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mongo implements the store gateway on MongoDB.
//
// Every atomic primitive the engine depends on maps to a single document
// operation: AtomicTransition and IncrementCounters are findOneAndUpdate,
// FindAndClaimDue is findOneAndUpdate with a sort, InsertBatchItem relies
// on a unique index. Nothing here takes multi-document locks.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	wefterrors "github.com/weftworks/weft/pkg/errors"

	"github.com/weftworks/weft/internal/engine/store"
)

const (
	defaultOpTimeout = 10 * time.Second

	collTasks        = "tasks"
	collRuns         = "workflow_runs"
	collWorkflows    = "workflows"
	collActivity     = "activity_logs"
	collBatchItems   = "batch_items"
	collBatchJobs    = "batch_jobs"
	collExternalJobs = "external_jobs"
	collWebhookRegs  = "webhooks"
	collDeliveries   = "webhook_deliveries"
	collMigrations   = "_migrations"
	collSchemaInfo   = "_schema_info"
)

// Options configures the MongoDB gateway.
type Options struct {
	// URI is the MongoDB connection string.
	URI string

	// Database is the database name.
	Database string

	// OpTimeout bounds individual store operations. Zero means the
	// default of 10s.
	OpTimeout time.Duration
}

// Store is a MongoDB-backed store.Gateway.
type Store struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration

	tasks        *mongodriver.Collection
	runs         *mongodriver.Collection
	workflows    *mongodriver.Collection
	activity     *mongodriver.Collection
	batchItems   *mongodriver.Collection
	batchJobs    *mongodriver.Collection
	externalJobs *mongodriver.Collection
	webhookRegs  *mongodriver.Collection
	deliveries   *mongodriver.Collection
	migrations   *mongodriver.Collection
	schemaInfo   *mongodriver.Collection
}

var _ store.Gateway = (*Store)(nil)

// New connects to MongoDB and returns a gateway. The caller should Ping
// before serving traffic and Close on shutdown.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, &wefterrors.ConfigError{Key: "store.uri", Reason: "connection string is required"}
	}
	if opts.Database == "" {
		return nil, &wefterrors.ConfigError{Key: "store.database", Reason: "database name is required"}
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, &wefterrors.StoreUnavailableError{Op: "connect", Cause: err}
	}

	db := client.Database(opts.Database)
	return &Store{
		client:       client,
		db:           db,
		timeout:      timeout,
		tasks:        db.Collection(collTasks),
		runs:         db.Collection(collRuns),
		workflows:    db.Collection(collWorkflows),
		activity:     db.Collection(collActivity),
		batchItems:   db.Collection(collBatchItems),
		batchJobs:    db.Collection(collBatchJobs),
		externalJobs: db.Collection(collExternalJobs),
		webhookRegs:  db.Collection(collWebhookRegs),
		deliveries:   db.Collection(collDeliveries),
		migrations:   db.Collection(collMigrations),
		schemaInfo:   db.Collection(collSchemaInfo),
	}, nil
}

// Ping verifies the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return &wefterrors.StoreUnavailableError{Op: "ping", Cause: err}
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// SchemaVersion reads the recorded schema version. A fresh database
// reports zero until EnsureIndexes has run.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc struct {
		Version int `bson:"version"`
	}
	err := s.schemaInfo.FindOne(ctx, bson.M{"_id": "schema"}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, storeErr("schema.read", err)
	}
	return doc.Version, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// storeErr classifies driver failures. Timeouts and network errors become
// retryable StoreUnavailableErrors; anything else is wrapped with the
// operation name.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		mongodriver.IsTimeout(err) ||
		mongodriver.IsNetworkError(err) {
		return &wefterrors.StoreUnavailableError{Op: op, Cause: err}
	}
	return wefterrors.Wrap(err, op)
}

// readRetry runs a read once more after a short pause when the first
// attempt hit a transient store error. Writes never retry here: the
// engine's atomic primitives are not generally idempotent.
func readRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !wefterrors.IsStoreUnavailable(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return fn()
}
