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

// Package dedup drops message events the platform adapter delivers more than
// once, using a Redis key with TTL per (conversation, message) pair. Without
// it a redelivered message would be recorded twice and then flag itself.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen message.
	// Adapters redeliver within seconds, so an hour is plenty.
	DefaultTTL = time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "repostwatch:seen:"
)

// Filter tracks which message events have already been handled.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the message has NOT been seen before in the
// conversation. If true, the message is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, conversationID, messageID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, conversationID, messageID)

	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
