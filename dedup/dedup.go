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

// Package dedup remembers which share links have already been relayed so
// a repeated link is served by forwarding the archived copy instead of
// transferring the media again.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/relaybot/relaybot/kvstore"
	"github.com/relaybot/relaybot/metrics"
	"github.com/relaybot/relaybot/platform"
)

const (
	fileKeyPrefix    = "file:"
	handleKeyPrefix  = "mid:"
	forwardKeyPrefix = "fwd:"
)

// ForwardScope distinguishes the two forwarding destinations, each with
// its own idempotency flag.  A failure on one side never suppresses a
// later retry of the other.
type ForwardScope string

const (
	ForwardPublic  ForwardScope = "public"
	ForwardPrivate ForwardScope = "private"
)

// Entry is a recorded relay: the short code and the archived copy it
// maps to.
type Entry struct {
	Code   string
	Handle platform.MediaHandle
}

// Cache is the dedup index over a kvstore.Store.
type Cache struct {
	store     kvstore.Store
	messenger platform.Messenger
}

func New(store kvstore.Store, messenger platform.Messenger) *Cache {
	return &Cache{store: store, messenger: messenger}
}

func encodeHandle(h platform.MediaHandle) string {
	return fmt.Sprintf("%d:%d", h.ChatID, h.MessageID)
}

func decodeHandle(s string) (platform.MediaHandle, error) {
	chatStr, msgStr, found := strings.Cut(s, ":")
	if !found {
		return platform.MediaHandle{}, errors.Errorf("malformed media handle %q", s)
	}
	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return platform.MediaHandle{}, errors.Wrapf(err, "malformed media handle %q", s)
	}
	msgID, err := strconv.ParseInt(msgStr, 10, 64)
	if err != nil {
		return platform.MediaHandle{}, errors.Wrapf(err, "malformed media handle %q", s)
	}
	return platform.MediaHandle{ChatID: chatID, MessageID: msgID}, nil
}

// Lookup returns the recorded entry for a short code, if any.  A stored
// value that no longer decodes is treated as a miss and dropped.
func (c *Cache) Lookup(ctx context.Context, code string) (*Entry, bool, error) {
	val, found, err := c.store.Get(ctx, fileKeyPrefix+code)
	if err != nil {
		return nil, false, err
	}
	if !found {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	handle, err := decodeHandle(val)
	if err != nil {
		log.Warnln("Dropping undecodable dedup entry for code", code, ":", err)
		_ = c.store.Delete(ctx, fileKeyPrefix+code)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &Entry{Code: code, Handle: handle}, true, nil
}

// Record stores the code-to-handle mapping plus the reverse index.  A
// concurrent Record for the same code is last-writer-wins; both writers
// archived a copy, so whichever mapping survives is valid.
func (c *Cache) Record(ctx context.Context, code string, handle platform.MediaHandle) error {
	if handle.IsZero() {
		return errors.New("refusing to record an empty media handle")
	}
	if err := c.store.Set(ctx, fileKeyPrefix+code, encodeHandle(handle), 0); err != nil {
		return errors.Wrapf(err, "failed to record dedup entry for code %s", code)
	}
	if err := c.store.Set(ctx, handleKeyPrefix+encodeHandle(handle), code, 0); err != nil {
		return errors.Wrapf(err, "failed to record reverse index for code %s", code)
	}
	return nil
}

// CodeForHandle resolves an archived copy back to its short code.
func (c *Cache) CodeForHandle(ctx context.Context, handle platform.MediaHandle) (string, bool, error) {
	return c.store.Get(ctx, handleKeyPrefix+encodeHandle(handle))
}

// Replay serves a cache hit by forwarding the archived copy to the
// destination chat.
func (c *Cache) Replay(ctx context.Context, handle platform.MediaHandle, destChatID int64) (platform.MessageRef, error) {
	ref, err := c.messenger.Forward(ctx, destChatID, handle.Ref())
	if err != nil {
		return platform.MessageRef{}, errors.Wrap(err, "failed to forward archived copy")
	}
	metrics.CacheReplays.Inc()
	return ref, nil
}

// ForwardOnce forwards the archived copy to destChatID unless the scope's
// idempotency flag is already set; the flag is set only after the forward
// succeeds, so a failed side is retried on the next request.  The check
// and the set are not atomic: two concurrent requests can both forward,
// which costs a duplicate message, never a lost one.
func (c *Cache) ForwardOnce(ctx context.Context, scope ForwardScope, code string, handle platform.MediaHandle, destChatID int64) (bool, error) {
	flagKey := forwardKeyPrefix + string(scope) + ":" + code
	_, done, err := c.store.Get(ctx, flagKey)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	if _, err := c.messenger.Forward(ctx, destChatID, handle.Ref()); err != nil {
		return false, errors.Wrapf(err, "%s forward failed for code %s", scope, code)
	}
	if err := c.store.Set(ctx, flagKey, "1", 0); err != nil {
		return true, errors.Wrapf(err, "forwarded but failed to set %s flag for code %s", scope, code)
	}
	return true, nil
}

// MarkForwarded sets a scope's idempotency flag without forwarding.
// Used when the copy already lives in the scope's destination, such as a
// fresh relay archived directly into the private channel.
func (c *Cache) MarkForwarded(ctx context.Context, scope ForwardScope, code string) error {
	return c.store.Set(ctx, forwardKeyPrefix+string(scope)+":"+code, "1", 0)
}

// Remove drops one entry: the mapping, the reverse index, and both
// forwarding flags.
func (c *Cache) Remove(ctx context.Context, code string) error {
	entry, found, err := c.Lookup(ctx, code)
	if err != nil {
		return err
	}
	if found {
		if err := c.store.Delete(ctx, handleKeyPrefix+encodeHandle(entry.Handle)); err != nil {
			return err
		}
	}
	for _, key := range []string{
		fileKeyPrefix + code,
		forwardKeyPrefix + string(ForwardPublic) + ":" + code,
		forwardKeyPrefix + string(ForwardPrivate) + ":" + code,
	} {
		if err := c.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Purge wipes the whole dedup index.  Administrative use only.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	deleter, ok := c.store.(kvstore.PatternDeleter)
	if !ok {
		return 0, errors.New("backing store cannot delete by pattern")
	}
	var total int64
	for _, pattern := range []string{fileKeyPrefix + "*", handleKeyPrefix + "*", forwardKeyPrefix + "*"} {
		deleted, err := deleter.DeletePattern(ctx, pattern)
		total += deleted
		if err != nil {
			return total, err
		}
	}
	log.Infoln("Purged", total, "dedup keys")
	return total, nil
}
