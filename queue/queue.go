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

// Package queue tracks which links are being worked on right now, so a
// link is claimed by at most one in-flight relay at a time.
package queue

import (
	"sync"
	"time"

	"github.com/relaybot/relaybot/relay"
)

// Item is one claimed link.
type Item struct {
	Request   *relay.TransferRequest
	UserID    int64
	ClaimedAt time.Time
	Failures  int
}

// Manager is an in-process claim table.  State does not survive a
// restart; a restart simply releases everything, which is safe because
// the relays died with the process.
type Manager struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewManager() *Manager {
	return &Manager{items: make(map[string]*Item)}
}

// Claim marks the request's link as in progress.  Returns false if
// another relay already holds it.
func (m *Manager) Claim(req *relay.TransferRequest, userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.items[req.Link]; held {
		return false
	}
	m.items[req.Link] = &Item{Request: req, UserID: userID, ClaimedAt: time.Now()}
	return true
}

// Release drops the claim after a relay reaches a terminal state.
func (m *Manager) Release(link string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, link)
}

// Fail records a failed attempt on the claim and releases it, returning
// the failure count.  Kept separate from Release so callers can log or
// alert on repeat offenders.
func (m *Manager) Fail(link string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, held := m.items[link]
	if !held {
		return 0
	}
	item.Failures++
	failures := item.Failures
	delete(m.items, link)
	return failures
}

// IsProcessing reports whether the link is currently claimed.
func (m *Manager) IsProcessing(link string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.items[link]
	return held
}

// Active returns a snapshot of the current claims.
func (m *Manager) Active() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, *item)
	}
	return items
}
