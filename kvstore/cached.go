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
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// cachedStore layers a bounded in-process cache over a backing Store.
// Reads are served from the cache when possible; every write goes through
// to the backend and evicts the local entry first, so the cache can serve
// a stale value for at most localTTL after an out-of-band change.
type cachedStore struct {
	backend Store
	cache   *ttlcache.Cache[string, string]
}

// NewCached wraps backend with a read-through cache holding at most
// capacity entries, each for at most localTTL.
func NewCached(backend Store, capacity uint64, localTTL time.Duration) Store {
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](localTTL),
		ttlcache.WithCapacity[string, string](capacity),
	)
	go cache.Start()
	return &cachedStore{backend: backend, cache: cache}
}

func (s *cachedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if item := s.cache.Get(key); item != nil {
		return item.Value(), true, nil
	}
	val, found, err := s.backend.Get(ctx, key)
	if err != nil || !found {
		return val, found, err
	}
	s.cache.Set(key, val, ttlcache.DefaultTTL)
	return val, true, nil
}

func (s *cachedStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.cache.Delete(key)
	return s.backend.Set(ctx, key, value, ttl)
}

func (s *cachedStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return s.backend.Delete(ctx, key)
}

// TTL is never served locally; the local expiry says nothing about the
// backend's.
func (s *cachedStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.backend.TTL(ctx, key)
}

func (s *cachedStore) Incr(ctx context.Context, key string, by int64) (int64, error) {
	s.cache.Delete(key)
	return s.backend.Incr(ctx, key, by)
}
