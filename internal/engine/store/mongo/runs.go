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

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) (*store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r := run.Clone()
	if r.ID == "" {
		r.ID = store.NewRunID()
	}
	if r.Status == "" {
		r.Status = store.RunStatusPending
	}
	r.CreatedAt = time.Now().UTC()

	if _, err := s.runs.InsertOne(ctx, r); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, &wefterrors.ConflictError{Resource: "run", ID: r.ID, Reason: "run already exists"}
		}
		return nil, storeErr("runs.insert", err)
	}
	return r, nil
}

// GetRun returns a run or a NotFoundError.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r store.Run
	err := readRetry(ctx, func() error {
		e := s.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
		if e != nil && !errors.Is(e, mongodriver.ErrNoDocuments) {
			return storeErr("runs.findOne", e)
		}
		return e
	})
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, err
	}
	return &r, nil
}

// UpdateRun applies a partial update to run bookkeeping fields.
func (s *Store) UpdateRun(ctx context.Context, id string, update store.UpdateRun) (*store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{}
	if update.RootTaskID != nil {
		set["rootTaskId"] = *update.RootTaskID
	}
	if update.Output != nil {
		set["outputPayload"] = update.Output
	}
	if update.Error != nil {
		set["error"] = *update.Error
	}
	if update.FailedStepID != nil {
		set["failedStepId"] = *update.FailedStepID
	}
	if len(set) == 0 {
		return s.GetRun(ctx, id)
	}

	var r store.Run
	err := s.runs.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, storeErr("runs.update", err)
	}
	return &r, nil
}

// AtomicRunTransition is the run-status compare-and-set. The return
// convention matches AtomicTransition: (nil, nil) means the run exists
// but was not in an allowed status.
func (s *Store) AtomicRunTransition(ctx context.Context, id string, from []store.RunStatus, mutation store.RunMutation) (*store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{"status": mutation.To}
	if mutation.Error != "" {
		set["error"] = mutation.Error
	}
	if mutation.FailedStepID != "" {
		set["failedStepId"] = mutation.FailedStepID
	}
	if mutation.Output != nil {
		set["outputPayload"] = mutation.Output
	}

	updateDoc := bson.M{"$set": set}
	stamps := bson.M{}
	if mutation.To == store.RunStatusRunning {
		stamps["startedAt"] = now
	}
	if mutation.To.IsTerminal() {
		stamps["completedAt"] = now
	}
	if len(stamps) > 0 {
		updateDoc["$min"] = stamps
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	var r store.Run
	err := s.runs.FindOneAndUpdate(ctx, filter, updateDoc,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, storeErr("runs.findOneAndUpdate", err)
	}

	n, err := s.runs.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return nil, storeErr("runs.count", err)
	}
	if n == 0 {
		return nil, &wefterrors.NotFoundError{Resource: "run", ID: id}
	}
	return nil, nil
}

// ListRuns returns a page of runs and the total match count.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter, page store.Page) ([]*store.Run, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := runQuery(filter)

	total, err := s.runs.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, storeErr("runs.count", err)
	}

	findOpts := options.Find().SetSort(sortDoc(page.Sort, runSortFields))
	if page.Offset > 0 {
		findOpts.SetSkip(page.Offset)
	}
	if page.Limit > 0 {
		findOpts.SetLimit(page.Limit)
	}

	cursor, err := s.runs.Find(ctx, query, findOpts)
	if err != nil {
		return nil, 0, storeErr("runs.find", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var runs []*store.Run
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, 0, storeErr("runs.decode", err)
	}
	return runs, total, nil
}

// AddCurrentStep adds a step to the run frontier. $addToSet keeps the
// operation idempotent under concurrent activations.
func (s *Store) AddCurrentStep(ctx context.Context, runID, stepID string) (*store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r store.Run
	err := s.runs.FindOneAndUpdate(ctx, bson.M{"_id": runID},
		bson.M{"$addToSet": bson.M{"currentStepIds": stepID}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, storeErr("runs.addCurrentStep", err)
	}
	return &r, nil
}

// AppendCompletedStep moves a step off the frontier into the completed
// set in one document operation.
func (s *Store) AppendCompletedStep(ctx context.Context, runID, stepID string) (*store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	updateDoc := bson.M{
		"$addToSet": bson.M{"completedStepIds": stepID},
		"$pull":     bson.M{"currentStepIds": stepID},
	}
	var r store.Run
	err := s.runs.FindOneAndUpdate(ctx, bson.M{"_id": runID}, updateDoc,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, storeErr("runs.appendCompletedStep", err)
	}
	return &r, nil
}

// AddPendingActivation parks one deferred step activation on the run.
// The dotted key keeps concurrent parks of different steps from
// clobbering each other.
func (s *Store) AddPendingActivation(ctx context.Context, runID, stepID string, input map[string]any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if input == nil {
		input = map[string]any{}
	}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID},
		bson.M{"$set": bson.M{"pendingActivations." + stepID: input}})
	if err != nil {
		return storeErr("runs.addPendingActivation", err)
	}
	if res.MatchedCount == 0 {
		return &wefterrors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

// RemovePendingActivation drops one parked activation.
func (s *Store) RemovePendingActivation(ctx context.Context, runID, stepID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID},
		bson.M{"$unset": bson.M{"pendingActivations." + stepID: ""}})
	if err != nil {
		return storeErr("runs.removePendingActivation", err)
	}
	if res.MatchedCount == 0 {
		return &wefterrors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

func runQuery(f store.RunFilter) bson.M {
	query := bson.M{}
	if f.WorkflowID != "" {
		query["workflowId"] = f.WorkflowID
	}
	if len(f.Statuses) > 0 {
		query["status"] = bson.M{"$in": f.Statuses}
	}
	if f.ExternalID != "" {
		query["externalId"] = f.ExternalID
	}
	if f.ParentRunID != "" {
		query["parentRunId"] = f.ParentRunID
	}
	created := bson.M{}
	if f.From != nil {
		created["$gte"] = *f.From
	}
	if f.To != nil {
		created["$lt"] = *f.To
	}
	if len(created) > 0 {
		query["createdAt"] = created
	}
	return query
}

var runSortFields = map[string]string{
	"createdAt":  "createdAt",
	"workflowId": "workflowId",
	"status":     "status",
}
