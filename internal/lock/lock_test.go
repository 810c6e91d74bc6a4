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

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements SETNX and the compare-and-delete release script.
type fakeRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	keys map[string]string
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[keys[0]] == args[0].(string) {
		delete(f.keys, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestAcquireIsExclusive(t *testing.T) {
	rdb := &fakeRedis{keys: map[string]string{}}
	l := NewLocker(rdb)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "account-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "account-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.Acquire(ctx, "account-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per name")

	release()

	_, ok, err = l.Acquire(ctx, "account-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is free after release")
}

func TestReleaseLeavesForeignHolder(t *testing.T) {
	rdb := &fakeRedis{keys: map[string]string{}}
	l := NewLocker(rdb)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "account-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry followed by another worker taking the lock.
	rdb.keys[keyPrefix+"account-1"] = "someone-else"
	release()

	assert.Equal(t, "someone-else", rdb.keys[keyPrefix+"account-1"])
}
