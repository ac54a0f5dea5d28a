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

// Package ratelimit enforces the per-user cooldown between accepted
// relay requests.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/config"
	"github.com/relaybot/relaybot/kvstore"
	"github.com/relaybot/relaybot/metrics"
)

const keyPrefix = "cooldown:"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
}

// RemainingText renders the wait in a form fit for a chat message.
func (d Decision) RemainingText() string {
	secs := int(d.Remaining.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d seconds", secs)
}

// Limiter is the cooldown gate.  The cooldown record is only written once
// a request is actually accepted, and is cleared early when the transfer
// it covered fails, so a user never waits out a cooldown for nothing.
type Limiter struct {
	store    kvstore.Store
	cooldown time.Duration
}

func New(store kvstore.Store) *Limiter {
	return &Limiter{
		store:    store,
		cooldown: viper.GetDuration("RateLimit.Cooldown"),
	}
}

func key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// Admit checks whether the user may start a new relay.  Admins bypass
// the cooldown entirely.
func (l *Limiter) Admit(ctx context.Context, userID int64) (Decision, error) {
	if config.IsAdmin(userID) {
		return Decision{Allowed: true}, nil
	}

	remaining, err := l.store.TTL(ctx, key(userID))
	if err != nil {
		return Decision{}, err
	}
	if remaining == kvstore.NoExpiry {
		// A record without expiry should not exist; fall back to the
		// full cooldown rather than locking the user out forever
		remaining = l.cooldown
	} else if remaining <= 0 {
		// No cooldown record, or it expired just now
		return Decision{Allowed: true}, nil
	}
	metrics.RateLimitDenials.Inc()
	return Decision{Allowed: false, Remaining: remaining}, nil
}

// OnAccepted starts the user's cooldown.
func (l *Limiter) OnAccepted(ctx context.Context, userID int64) error {
	return l.store.Set(ctx, key(userID), "1", l.cooldown)
}

// OnFailed clears the cooldown early after a failed or cancelled
// transfer.
func (l *Limiter) OnFailed(ctx context.Context, userID int64) error {
	return l.store.Delete(ctx, key(userID))
}
