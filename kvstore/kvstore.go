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

// Package kvstore defines the key-value store contract shared by the
// rate limiter, the dedup cache and the account gate, together with a
// Redis-backed implementation and an in-process read-through cache.
//
// Each operation is individually atomic; multi-key sequences are not
// transactional.  Callers that need cross-key consistency must cope with
// the races themselves (see dedup's idempotency flags).
package kvstore

import (
	"context"
	"time"
)

// Store is the key-value contract.  Values are opaque strings.
type Store interface {
	// Get returns the value for key; found is false if the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes key=value.  A zero ttl means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes the key.  Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of the key.  It returns zero if
	// the key is absent and NoExpiry if the key has no expiration set.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr adds by to the integer value stored at key (creating it at
	// zero if absent) and returns the new value.
	Incr(ctx context.Context, key string, by int64) (int64, error)
}

// PatternDeleter is an optional interface for stores that can remove all
// keys matching a glob pattern.  Used by administrative purges.
type PatternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) (deleted int64, err error)
}

// NoExpiry is returned by TTL for keys without an expiration.
const NoExpiry = time.Duration(-1)
