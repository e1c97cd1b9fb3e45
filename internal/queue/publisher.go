// Copyright (c) 2026 John Earle
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

// Package queue hands alert messages to the delivery collaborator through a
// Redis list. The delivery worker pops alerts and posts them as replies.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Alert is one outbound message for the delivery collaborator.
type Alert struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	ReplyTo        string `json:"reply_to,omitempty"`
	BotID          string `json:"bot_id,omitempty"`
	Platform       string `json:"platform,omitempty"`
	Kind           string `json:"kind"` // "text" or "image"
	Text           string `json:"text"`
	CreatedAt      string `json:"created_at"`
}

// Publisher pushes alerts onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Publish serialises an alert and LPUSHes it to the queue. A missing ID or
// timestamp is filled in.
func (p *Publisher) Publish(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt == "" {
		alert.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	msgJSON, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published alert",
		"alert_id", alert.ID,
		"conversation", alert.ConversationID,
		"kind", alert.Kind,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
