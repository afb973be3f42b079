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

// UpsertExternalJob writes the callback-wait view of one external task.
// ReceivedCallbacks is owned by IncrementExternalCallbacks; an upsert of
// an existing job never touches it.
func (s *Store) UpsertExternalJob(ctx context.Context, job *store.ExternalJob) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{
		"runId":             job.RunID,
		"stepId":            job.StepID,
		"expectedCallbacks": job.ExpectedCallbacks,
		"status":            job.Status,
		"updatedAt":         now,
	}
	if job.TimeoutAt != nil {
		set["timeoutAt"] = *job.TimeoutAt
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"createdAt":         now,
			"receivedCallbacks": job.ReceivedCallbacks,
		},
	}
	_, err := s.externalJobs.UpdateOne(ctx, bson.M{"_id": job.TaskID}, update,
		options.Update().SetUpsert(true))
	if err != nil {
		return storeErr("externalJobs.upsert", err)
	}
	return nil
}

// GetExternalJob returns one external job or a NotFoundError.
func (s *Store) GetExternalJob(ctx context.Context, taskID string) (*store.ExternalJob, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var job store.ExternalJob
	err := s.externalJobs.FindOne(ctx, bson.M{"_id": taskID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "external job", ID: taskID}
		}
		return nil, storeErr("externalJobs.findOne", err)
	}
	return &job, nil
}

// IncrementExternalCallbacks bumps the received counter and returns the
// post-image.
func (s *Store) IncrementExternalCallbacks(ctx context.Context, taskID string, delta int64) (*store.ExternalJob, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$inc": bson.M{"receivedCallbacks": delta},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	}
	var job store.ExternalJob
	err := s.externalJobs.FindOneAndUpdate(ctx, bson.M{"_id": taskID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&job)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "external job", ID: taskID}
		}
		return nil, storeErr("externalJobs.increment", err)
	}
	return &job, nil
}
