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

// RegisterWebhook records one expected inbound callback. Re-registering
// the same task replaces the previous registration.
func (s *Store) RegisterWebhook(ctx context.Context, reg *store.WebhookRegistration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := reg.ID
	if id == "" {
		id = store.NewWebhookID()
	}
	now := reg.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	update := bson.M{
		"$set": bson.M{
			"runId":  reg.RunID,
			"stepId": reg.StepID,
			"path":   reg.Path,
		},
		"$setOnInsert": bson.M{
			"_id":       id,
			"createdAt": now,
		},
	}
	_, err := s.webhookRegs.UpdateOne(ctx, bson.M{"taskId": reg.TaskID}, update,
		options.Update().SetUpsert(true))
	if err != nil {
		return storeErr("webhooks.register", err)
	}
	return nil
}

// TouchWebhook stamps the registration's last callback time. A missing
// registration is not an error: callbacks may outlive their registration.
func (s *Store) TouchWebhook(ctx context.Context, taskID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.webhookRegs.UpdateOne(ctx, bson.M{"taskId": taskID},
		bson.M{"$set": bson.M{"lastCallbackAt": at}})
	if err != nil {
		return storeErr("webhooks.touch", err)
	}
	return nil
}

// ListWebhooks returns a run's registrations, oldest first.
func (s *Store) ListWebhooks(ctx context.Context, runID string) ([]*store.WebhookRegistration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.webhookRegs.Find(ctx, bson.M{"runId": runID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, storeErr("webhooks.find", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var regs []*store.WebhookRegistration
	if err := cursor.All(ctx, &regs); err != nil {
		return nil, storeErr("webhooks.decode", err)
	}
	return regs, nil
}

// AppendWebhookDelivery records one outbound attempt.
func (s *Store) AppendWebhookDelivery(ctx context.Context, delivery *store.WebhookDelivery) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d := *delivery
	if d.ID == "" {
		d.ID = store.NewDeliveryID()
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}

	if _, err := s.deliveries.InsertOne(ctx, &d); err != nil {
		return storeErr("deliveries.insert", err)
	}
	return nil
}

// ListWebhookDeliveries returns a task's attempts, oldest first.
func (s *Store) ListWebhookDeliveries(ctx context.Context, taskID string) ([]*store.WebhookDelivery, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.deliveries.Find(ctx, bson.M{"taskId": taskID},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "attempt", Value: 1}}))
	if err != nil {
		return nil, storeErr("deliveries.find", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var deliveries []*store.WebhookDelivery
	if err := cursor.All(ctx, &deliveries); err != nil {
		return nil, storeErr("deliveries.decode", err)
	}
	return deliveries, nil
}
