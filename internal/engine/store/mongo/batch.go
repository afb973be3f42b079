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
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	wefterrors "github.com/weftworks/weft/pkg/errors"

	"github.com/weftworks/weft/internal/engine/store"
)

// InsertBatchItem writes one ledger row. The unique (parentTaskId, itemKey)
// index turns concurrent duplicate submissions into exactly one insert;
// losers get a ConflictError the caller resolves against the stored row.
func (s *Store) InsertBatchItem(ctx context.Context, item *store.BatchItem) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := *item
	if row.ID == "" {
		row.ID = store.NewBatchItemID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	if _, err := s.batchItems.InsertOne(ctx, &row); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return &wefterrors.ConflictError{
				Resource: "batch item",
				ID:       item.ItemKey,
				Reason:   "duplicate item key for parent " + item.ParentTaskID,
			}
		}
		return storeErr("batchItems.insert", err)
	}
	return nil
}

// GetBatchItemByKey returns a ledger row or a NotFoundError.
func (s *Store) GetBatchItemByKey(ctx context.Context, parentTaskID, itemKey string) (*store.BatchItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var item store.BatchItem
	err := s.batchItems.FindOne(ctx, bson.M{"parentTaskId": parentTaskID, "itemKey": itemKey}).Decode(&item)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "batch item", ID: itemKey}
		}
		return nil, storeErr("batchItems.findOne", err)
	}
	return &item, nil
}

// ListBatchItems returns a parent's ledger rows in arrival order.
func (s *Store) ListBatchItems(ctx context.Context, parentTaskID string) ([]*store.BatchItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.batchItems.Find(ctx, bson.M{"parentTaskId": parentTaskID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, storeErr("batchItems.find", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var items []*store.BatchItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, storeErr("batchItems.decode", err)
	}
	return items, nil
}

// UpsertBatchJob writes the reporting view of one batch. The view is
// advisory: the counters of record live on the task document.
func (s *Store) UpsertBatchJob(ctx context.Context, job *store.BatchJob) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{
		"runId":         job.RunID,
		"stepId":        job.StepID,
		"status":        job.Status,
		"expectedTotal": job.ExpectedTotal,
		"updatedAt":     now,
	}
	if job.DeadlineAt != nil {
		set["deadlineAt"] = *job.DeadlineAt
	}
	if job.LastEvaluation != nil {
		set["lastEvaluation"] = *job.LastEvaluation
	}

	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"createdAt": now},
	}
	_, err := s.batchJobs.UpdateOne(ctx, bson.M{"_id": job.TaskID}, update,
		options.Update().SetUpsert(true))
	if err != nil {
		return storeErr("batchJobs.upsert", err)
	}
	return nil
}

// GetBatchJob returns one batch job or a NotFoundError.
func (s *Store) GetBatchJob(ctx context.Context, taskID string) (*store.BatchJob, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var job store.BatchJob
	err := s.batchJobs.FindOne(ctx, bson.M{"_id": taskID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "batch job", ID: taskID}
		}
		return nil, storeErr("batchJobs.findOne", err)
	}
	return &job, nil
}
