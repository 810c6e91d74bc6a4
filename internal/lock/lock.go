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

// Package lock provides a Redis advisory lock so that two workers never poll
// the same mailbox at the same time.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "mailintake:lock:"

// AccountName is the lock name guarding one mailbox. Everything that polls
// or imports for an account takes it.
func AccountName(accountID string) string {
	return "account:" + accountID
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out expiring locks keyed by name.
type Locker struct {
	rdb redis.Cmdable
}

// NewLocker creates a locker backed by Redis.
func NewLocker(rdb redis.Cmdable) *Locker {
	return &Locker{rdb: rdb}
}

// Acquire tries once to take the named lock for ttl. ok is false when
// another holder has it. The returned release func is safe to call after the
// lock has expired.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err = l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock SETNX %s: %w", name, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release = func() {
		// Released on a fresh context so cancellation of the poll does not
		// leave the key held until expiry.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
			slog.Warn("failed to release lock", "lock", name, "error", err)
		}
	}
	return release, true, nil
}
