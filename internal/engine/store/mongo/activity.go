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
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/weftworks/weft/internal/engine/store"
)

// AppendActivity writes one audit record. Activity is append-only; there
// is no update or delete path.
func (s *Store) AppendActivity(ctx context.Context, entry *store.ActivityEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e := *entry
	if e.ID == "" {
		e.ID = store.NewActivityID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if _, err := s.activity.InsertOne(ctx, &e); err != nil {
		return storeErr("activity.insert", err)
	}
	return nil
}

// ListActivity returns a task's entries oldest first.
func (s *Store) ListActivity(ctx context.Context, taskID string) ([]*store.ActivityEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.activity.Find(ctx, bson.M{"taskId": taskID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, storeErr("activity.find", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var entries []*store.ActivityEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, storeErr("activity.decode", err)
	}
	return entries, nil
}
