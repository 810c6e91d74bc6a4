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

// Package dedup provides a Redis-backed cache of messages that have already
// been imported. It is a fast path in front of the audit table: a hit skips
// the database lookup, a miss always falls through to it.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long an imported message ID is remembered.
	// The poll window never reaches further back than this.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "mailintake:seen:"
)

// Filter tracks which message IDs have already been imported per firm.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A zero ttl selects
// DefaultTTL.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

func key(firmID, messageID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, firmID, messageID)
}

// Seen reports whether the message was recorded by Remember.
func (f *Filter) Seen(ctx context.Context, firmID, messageID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, key(firmID, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Remember marks the message as imported. It must only be called once the
// audit record is durable.
func (f *Filter) Remember(ctx context.Context, firmID, messageID string) error {
	if err := f.rdb.Set(ctx, key(firmID, messageID), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}
