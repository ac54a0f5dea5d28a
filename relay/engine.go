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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/metrics"
	"github.com/relaybot/relaybot/platform"
)

// Result is the outcome of a successful transfer: the archived copy's
// handle plus the session that produced it.
type Result struct {
	Handle  platform.MediaHandle
	Session *TransferSession
}

// downloadFunc matches downloadToScratch; swapped out in tests.
type downloadFunc func(ctx context.Context, url, dest string, reporter *progressReporter) (int64, error)

// Engine runs transfer sessions.  Each session gets a bounded number of
// attempts; within an attempt the engine first asks the platform to
// stream each mirror directly, then falls back to downloading to scratch
// space and uploading, again across every mirror.
type Engine struct {
	messenger   platform.Messenger
	archiveChat int64

	maxAttempts      int
	retryBackoff     time.Duration
	progressInterval time.Duration
	scratchDir       string

	download downloadFunc

	mu       sync.Mutex
	sessions map[string]*TransferSession
}

// NewEngine builds an engine that archives media into archiveChat via
// messenger.  Tuning comes from the Transfer.* configuration keys.
func NewEngine(messenger platform.Messenger, archiveChat int64) *Engine {
	return &Engine{
		messenger:        messenger,
		archiveChat:      archiveChat,
		maxAttempts:      viper.GetInt("Transfer.MaxAttempts"),
		retryBackoff:     viper.GetDuration("Transfer.RetryBackoff"),
		progressInterval: viper.GetDuration("Transfer.ProgressInterval"),
		scratchDir:       viper.GetString("Transfer.ScratchDir"),
		download:         downloadToScratch,
		sessions:         make(map[string]*TransferSession),
	}
}

// Cancel requests cancellation of the session with the given ID.  Returns
// false if no such session is in flight.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	session.Cancel()
	return true
}

// Session returns the in-flight session with the given ID, if any.
func (e *Engine) Session(sessionID string) (*TransferSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[sessionID]
	return session, ok
}

// ActiveCount returns the number of sessions currently in flight.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) register(session *TransferSession) {
	e.mu.Lock()
	e.sessions[session.ID] = session
	e.mu.Unlock()
	metrics.TransfersStarted.Inc()
	metrics.ActiveTransfers.Inc()
}

func (e *Engine) unregister(session *TransferSession) {
	e.mu.Lock()
	delete(e.sessions, session.ID)
	e.mu.Unlock()
	metrics.ActiveTransfers.Dec()
	metrics.TransfersCompleted.WithLabelValues(session.State().String()).Inc()
}

// StartSession creates and registers the session for a request, so its
// ID can be attached to a cancel button before the transfer starts.
// Run must be called exactly once on the returned session.
func (e *Engine) StartSession(req *TransferRequest, userID int64) *TransferSession {
	session := newSession(req, userID)
	e.register(session)
	return session
}

// Run drives a session to a terminal state.  On success the returned
// Result carries the archived copy's handle; on failure the error is
// ErrCancelled or a *TransferFailure.  The scratch file is gone by the
// time Run returns, whatever the outcome.
func (e *Engine) Run(ctx context.Context, session *TransferSession, progress ProgressFunc) (*Result, error) {
	defer e.unregister(session)

	req := session.Request
	mirrors := req.Mirrors()
	if len(mirrors) == 0 {
		session.setState(StateFailed)
		return nil, &ResolutionFailure{Link: req.Link, Err: errors.New("no mirrors available")}
	}

	reporter := newProgressReporter(session, progress, e.progressInterval)
	accum := NewTransferErrors()

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if session.Cancelled() {
			break
		}
		session.attempt.Store(int32(attempt))
		session.setState(StateAttempting)
		log.WithFields(log.Fields{
			"session": session.ID,
			"code":    req.ShortCode,
			"attempt": attempt,
		}).Debugln("Starting transfer attempt")

		handle, err := e.runAttempt(ctx, session, mirrors, reporter, accum)
		if err == nil {
			session.setState(StateSucceeded)
			transferred, _ := session.Progress()
			metrics.BytesRelayed.Add(float64(transferred))
			return &Result{Handle: handle, Session: session}, nil
		}
		if session.Cancelled() {
			break
		}
		if !accum.AllErrorsRetryable() {
			log.WithField("session", session.ID).Debugln("Giving up, failure is not retryable:", err)
			break
		}

		if attempt < e.maxAttempts {
			log.WithField("session", session.ID).Debugln("Attempt failed, backing off before retry:", err)
			select {
			case <-time.After(e.retryBackoff):
			case <-session.Done():
			case <-ctx.Done():
				session.setState(StateFailed)
				accum.AddError(ctx.Err())
				return nil, &TransferFailure{Errors: accum}
			}
		}
	}

	if session.Cancelled() {
		session.setState(StateCancelled)
		return nil, ErrCancelled
	}
	session.setState(StateFailed)
	return nil, &TransferFailure{Errors: accum}
}

// runAttempt tries every mirror with the direct-stream strategy, then
// every mirror with download-and-upload.  The first delivery that sticks
// wins; all failures land in accum.
func (e *Engine) runAttempt(ctx context.Context, session *TransferSession, mirrors []string, reporter *progressReporter, accum *TransferErrors) (platform.MediaHandle, error) {
	attemptCtx, cancel := session.attemptContext(ctx)
	defer cancel()

	opts := platform.MediaOptions{
		FileName:     session.Request.FileName,
		ThumbnailURL: session.Request.ThumbnailURL,
	}

	for _, mirror := range mirrors {
		if session.Cancelled() {
			return platform.MediaHandle{}, ErrCancelled
		}
		metrics.TransferAttempts.WithLabelValues("stream").Inc()
		ref, err := e.messenger.SendMediaStream(attemptCtx, e.archiveChat, mirror, opts)
		if err == nil {
			return platform.MediaHandle(ref), nil
		}
		log.WithField("session", session.ID).Debugln("Direct stream failed for mirror:", err)
		accum.AddError(errors.Wrapf(err, "direct stream from %s", mirror))
	}

	for _, mirror := range mirrors {
		if session.Cancelled() {
			return platform.MediaHandle{}, ErrCancelled
		}
		metrics.TransferAttempts.WithLabelValues("download").Inc()
		handle, err := e.downloadAndUpload(attemptCtx, session, mirror, opts, reporter)
		if err == nil {
			return handle, nil
		}
		if session.Cancelled() {
			return platform.MediaHandle{}, ErrCancelled
		}
		log.WithField("session", session.ID).Debugln("Download-and-upload failed for mirror:", err)
		accum.AddError(errors.Wrapf(err, "download from %s", mirror))
	}

	return platform.MediaHandle{}, errors.New("all mirrors failed")
}

// downloadAndUpload pulls one mirror into scratch space and uploads the
// file.  The scratch file is removed before returning on every path.
func (e *Engine) downloadAndUpload(ctx context.Context, session *TransferSession, mirror string, opts platform.MediaOptions, reporter *progressReporter) (platform.MediaHandle, error) {
	name := session.Request.FileName
	if name == "" {
		name = "media"
	}
	scratch := filepath.Join(e.scratchDir, session.ID+"-"+filepath.Base(name))
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			log.Warnln("Failed to remove scratch file", scratch, ":", err)
		}
	}()

	size, err := e.download(ctx, mirror, scratch, reporter)
	if err != nil {
		return platform.MediaHandle{}, err
	}

	ref, err := e.messenger.SendMediaFile(ctx, e.archiveChat, scratch, opts, func(transferred, total int64) {
		if total <= 0 {
			total = size
		}
		reporter.report(transferred, total, PhaseUpload)
	})
	if err != nil {
		return platform.MediaHandle{}, errors.Wrap(err, "upload failed")
	}
	return platform.MediaHandle(ref), nil
}
