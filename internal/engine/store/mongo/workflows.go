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
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"
)

// workflowDocument pins a deterministic _id so republishing the same
// (id, version) pair replaces rather than duplicates.
type workflowDocument struct {
	DocID              string `bson:"_id"`
	workflow.Published `bson:",inline"`
}

func workflowDocID(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// PutWorkflow writes a published version.
func (s *Store) PutWorkflow(ctx context.Context, pub *workflow.Published) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := workflowDocument{
		DocID:     workflowDocID(pub.ID, pub.Version),
		Published: *pub,
	}
	_, err := s.workflows.ReplaceOne(ctx, bson.M{"_id": doc.DocID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return storeErr("workflows.put", err)
	}
	return nil
}

// GetWorkflow returns the latest published version.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Published, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc workflowDocument
	err := readRetry(ctx, func() error {
		e := s.workflows.FindOne(ctx, bson.M{"id": id},
			options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).Decode(&doc)
		if e != nil && !errors.Is(e, mongodriver.ErrNoDocuments) {
			return storeErr("workflows.findOne", e)
		}
		return e
	})
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, err
	}
	return &doc.Published, nil
}

// GetWorkflowVersion returns one published version.
func (s *Store) GetWorkflowVersion(ctx context.Context, id string, version int) (*workflow.Published, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc workflowDocument
	err := s.workflows.FindOne(ctx, bson.M{"id": id, "version": version}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, &wefterrors.NotFoundError{Resource: "workflow", ID: id}
		}
		return nil, storeErr("workflows.findVersion", err)
	}
	return &doc.Published, nil
}

// ListWorkflows returns the latest version of every workflow, sorted by id.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Published, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipeline := mongodriver.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "id", Value: 1}, {Key: "version", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$id", "doc": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$doc"}}},
		{{Key: "$sort", Value: bson.D{{Key: "id", Value: 1}}}},
	}
	cursor, err := s.workflows.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, storeErr("workflows.list", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []workflowDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storeErr("workflows.list.decode", err)
	}

	out := make([]*workflow.Published, len(docs))
	for i := range docs {
		out[i] = &docs[i].Published
	}
	return out, nil
}
