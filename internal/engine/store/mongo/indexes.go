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

package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// CurrentSchemaVersion is the schema the daemon requires. EnsureIndexes
// applies every migration up to it.
const CurrentSchemaVersion = 1

type migration struct {
	version     int
	description string
	run         func(ctx context.Context, s *Store) error
}

var migrations = []migration{
	{
		version:     1,
		description: "initial indexes",
		run:         createInitialIndexes,
	},
}

// EnsureIndexes applies pending migrations. Each migration is recorded so
// concurrent daemons converge; index builds themselves are idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.run(ctx, s); err != nil {
			return err
		}
		if err := s.recordMigration(ctx, m); err != nil {
			return err
		}
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.schemaInfo.UpdateOne(opCtx,
		bson.M{"_id": "schema"},
		bson.M{"$set": bson.M{"version": CurrentSchemaVersion, "updatedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return storeErr("schema.write", err)
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version int) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.migrations.CountDocuments(ctx, bson.M{"_id": version}, options.Count().SetLimit(1))
	if err != nil {
		return false, storeErr("migrations.check", err)
	}
	return n > 0, nil
}

func (s *Store) recordMigration(ctx context.Context, m migration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.migrations.UpdateOne(ctx,
		bson.M{"_id": m.version},
		bson.M{"$setOnInsert": bson.M{
			"description": m.description,
			"appliedAt":   time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return storeErr("migrations.record", err)
	}
	return nil
}

func createInitialIndexes(ctx context.Context, s *Store) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return buildIndexes(ctx, s.tasks, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "workflowRunId", Value: 1}}},
			{Keys: bson.D{{Key: "parentId", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: -1}}},
			// Schedule claims filter on due time; the field only exists
			// while a timer is armed, so the index stays small.
			{Keys: bson.D{{Key: "scheduledFor", Value: 1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "tags", Value: 1}}},
			{Keys: bson.D{{Key: "assignee", Value: 1}}},
			{Keys: bson.D{
				{Key: "title", Value: "text"},
				{Key: "summary", Value: "text"},
			}},
		})
	})
	g.Go(func() error {
		return buildIndexes(ctx, s.runs, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "workflowId", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "externalId", Value: 1}}, Options: options.Index().SetSparse(true)},
			{Keys: bson.D{{Key: "parentRunId", Value: 1}}, Options: options.Index().SetSparse(true)},
		})
	})
	g.Go(func() error {
		return buildIndexes(ctx, s.workflows, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "id", Value: 1}, {Key: "version", Value: -1}}, Options: options.Index().SetUnique(true)},
		})
	})
	g.Go(func() error {
		return buildIndexes(ctx, s.activity, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "taskId", Value: 1}, {Key: "timestamp", Value: 1}}},
		})
	})
	g.Go(func() error {
		// Uniqueness here is what makes item submission idempotent.
		return buildIndexes(ctx, s.batchItems, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "parentTaskId", Value: 1}, {Key: "itemKey", Value: 1}}, Options: options.Index().SetUnique(true)},
		})
	})
	g.Go(func() error {
		return buildIndexes(ctx, s.batchJobs, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "runId", Value: 1}}},
		})
	})
	g.Go(func() error {
		return buildIndexes(ctx, s.externalJobs, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "runId", Value: 1}}},
		})
	})
	g.Go(func() error {
		return buildIndexes(ctx, s.webhookRegs, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "taskId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "runId", Value: 1}}},
		})
	})
	g.Go(func() error {
		return buildIndexes(ctx, s.deliveries, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "taskId", Value: 1}, {Key: "at", Value: 1}}},
		})
	})

	return g.Wait()
}

func buildIndexes(ctx context.Context, coll *mongodriver.Collection, models []mongodriver.IndexModel) error {
	if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
		return storeErr(coll.Name()+".indexes", err)
	}
	return nil
}
