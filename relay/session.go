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

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// SessionState is the lifecycle state of a transfer session.
type SessionState int32

const (
	StatePending SessionState = iota
	StateAttempting
	StateSucceeded
	StateCancelled
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempts will be made.
func (s SessionState) Terminal() bool {
	return s == StateSucceeded || s == StateCancelled || s == StateFailed
}

// TransferSession tracks one in-flight relay of a TransferRequest.  The
// cancel flag and byte counters are written by the transfer goroutine and
// read concurrently by progress callbacks and the cancel route.
type TransferSession struct {
	ID      string
	Request *TransferRequest
	UserID  int64

	state     atomic.Int32
	cancelled atomic.Bool
	attempt   atomic.Int32

	// done is closed on the first Cancel, so waits that are not tied to
	// an attempt context (retry backoff) notice the cancel too.
	cancelOnce sync.Once
	done       chan struct{}

	bytesTransferred atomic.Int64
	bytesTotal       atomic.Int64
	lastPercent      atomic.Int64

	startTime time.Time

	// cancelFn aborts the attempt currently running, if any.
	cancelFn atomic.Pointer[context.CancelFunc]
}

func newSession(req *TransferRequest, userID int64) *TransferSession {
	return &TransferSession{
		ID:        uuid.New().String(),
		Request:   req,
		UserID:    userID,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Cancel marks the session cancelled and interrupts the running attempt.
// Safe to call from any goroutine, any number of times.
func (s *TransferSession) Cancel() {
	s.cancelled.Store(true)
	s.cancelOnce.Do(func() { close(s.done) })
	if fn := s.cancelFn.Load(); fn != nil {
		(*fn)()
	}
}

// Done returns a channel closed once the session has been cancelled.
func (s *TransferSession) Done() <-chan struct{} {
	return s.done
}

// Cancelled reports whether Cancel has been called.
func (s *TransferSession) Cancelled() bool {
	return s.cancelled.Load()
}

// State returns the session's current lifecycle state.
func (s *TransferSession) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *TransferSession) setState(state SessionState) {
	s.state.Store(int32(state))
}

// Attempt returns the 1-based number of the attempt in progress (0 before
// the first attempt starts).
func (s *TransferSession) Attempt() int {
	return int(s.attempt.Load())
}

// Progress returns the bytes moved so far and the total, which is <= 0
// when unknown.
func (s *TransferSession) Progress() (transferred, total int64) {
	return s.bytesTransferred.Load(), s.bytesTotal.Load()
}

func (s *TransferSession) recordProgress(transferred, total int64) {
	s.bytesTransferred.Store(transferred)
	if total > 0 {
		s.bytesTotal.Store(total)
	}
}

// Elapsed is the wall time since the session was created.
func (s *TransferSession) Elapsed() time.Duration {
	return time.Since(s.startTime)
}

// attemptContext derives the context a single attempt runs under and
// installs its cancel function so Cancel can interrupt it.
func (s *TransferSession) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancelFn.Store(&cancel)
	if s.cancelled.Load() {
		// Cancel raced with attempt start; make sure the new context dies too
		cancel()
	}
	return attemptCtx, cancel
}
