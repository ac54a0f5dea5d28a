/***************************************************************
 *
 * Copyright (C) 2025, Relaybot Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client), mr
}

func TestRedisGetSetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting an absent key is not an error
	require.NoError(t, store.Delete(ctx, "k"))
}

func TestRedisTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ttl, err := store.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)

	require.NoError(t, store.Set(ctx, "forever", "v", 0))
	ttl, err = store.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)

	require.NoError(t, store.Set(ctx, "temp", "v", time.Minute))
	ttl, err = store.TTL(ctx, "temp")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(time.Minute + time.Second)
	_, found, err := store.Get(ctx, "temp")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisIncr(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	val, err := store.Incr(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = store.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), val)
}

func TestRedisDeletePattern(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "file:aaa", "1", 0))
	require.NoError(t, store.Set(ctx, "file:bbb", "2", 0))
	require.NoError(t, store.Set(ctx, "other:ccc", "3", 0))

	deleter, ok := store.(PatternDeleter)
	require.True(t, ok)
	deleted, err := deleter.DeletePattern(ctx, "file:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, found, err := store.Get(ctx, "other:ccc")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCachedReadThrough(t *testing.T) {
	backend, mr := newTestStore(t)
	store := NewCached(backend, 128, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", val)

	// The cached copy keeps serving even if the backend loses the key
	mr.Del("k")
	val, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestCachedInvalidatesOnWrite(t *testing.T) {
	backend, _ := newTestStore(t)
	store := NewCached(backend, 128, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v1", 0))
	_, _, err := store.Get(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "k", "v2", 0))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
