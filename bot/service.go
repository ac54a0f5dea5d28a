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

// Package bot orchestrates the relay pipeline: admission, dedup lookup,
// claim, resolution, transfer, recording, and all the user-facing chat
// around it.
package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/config"
	"github.com/relaybot/relaybot/dedup"
	"github.com/relaybot/relaybot/kvstore"
	"github.com/relaybot/relaybot/platform"
	"github.com/relaybot/relaybot/queue"
	"github.com/relaybot/relaybot/ratelimit"
	"github.com/relaybot/relaybot/relay"
	"github.com/relaybot/relaybot/resolver"
)

// Mode selects what a user gets back for a link: an immediate player
// link, or the relayed media itself.
type Mode string

const (
	ModePlay     Mode = "play"
	ModeDownload Mode = "download"
)

const (
	activeKeyPrefix = "active:"
	modeKeyPrefix   = "mode:"
)

// LinkResolver turns a share link into a transfer request.
type LinkResolver interface {
	Resolve(ctx context.Context, link string) (*relay.TransferRequest, error)
}

// Engine runs transfer sessions; satisfied by *relay.Engine.
type Engine interface {
	StartSession(req *relay.TransferRequest, userID int64) *relay.TransferSession
	Run(ctx context.Context, session *relay.TransferSession, progress relay.ProgressFunc) (*relay.Result, error)
	Cancel(sessionID string) bool
}

// Service wires the pipeline together.
type Service struct {
	messenger platform.Messenger
	store     kvstore.Store
	resolver  LinkResolver
	engine    Engine
	dedup     *dedup.Cache
	limiter   *ratelimit.Limiter
	queue     *queue.Manager

	publicChat int64
	playerBase string
}

func NewService(messenger platform.Messenger, store kvstore.Store, linkResolver LinkResolver, engine Engine, cache *dedup.Cache, limiter *ratelimit.Limiter, manager *queue.Manager) *Service {
	return &Service{
		messenger:  messenger,
		store:      store,
		resolver:   linkResolver,
		engine:     engine,
		dedup:      cache,
		limiter:    limiter,
		queue:      manager,
		publicChat: viper.GetInt64("Bot.PublicChatID"),
		playerBase: viper.GetString("Bot.PlayerBaseURL"),
	}
}

// HandleMessage runs the pipeline for one incoming chat message.  Every
// exit path leaves the user a message saying what happened.
func (s *Service) HandleMessage(ctx context.Context, userID, chatID int64, text string) error {
	links := resolver.ExtractLinks(text)
	if len(links) == 0 {
		_, err := s.messenger.SendText(ctx, chatID, "Please send a valid share link.", nil)
		return err
	}
	// One link per message; extras are ignored rather than queued blind
	return s.handleLink(ctx, userID, chatID, links[0])
}

func (s *Service) handleLink(ctx context.Context, userID, chatID int64, link string) error {
	status, err := s.messenger.SendText(ctx, chatID, "Sending you the media, hang tight...", nil)
	if err != nil {
		return errors.Wrap(err, "failed to post status message")
	}
	edit := func(text string, buttons [][]platform.Button) {
		if err := s.messenger.EditText(ctx, status, text, buttons); err != nil {
			log.Warnln("Failed to edit status message:", err)
		}
	}

	decision, err := s.limiter.Admit(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "cooldown check failed")
	}
	if !decision.Allowed {
		edit("You are sending links too fast.\nPlease wait "+decision.RemainingText()+" and try again.", nil)
		return nil
	}

	active, err := s.IsActivated(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "activation check failed")
	}
	if !active && !config.IsAdmin(userID) {
		edit("Your account is deactivated. Send /gen to activate it again.", nil)
		return nil
	}

	code, err := resolver.ShortCode(link)
	if err != nil {
		edit("Seems like your link is invalid.", nil)
		return nil
	}

	if entry, found, err := s.dedup.Lookup(ctx, code); err != nil {
		return errors.Wrap(err, "dedup lookup failed")
	} else if found {
		// A public forward that failed on the original relay gets another
		// chance here; the flag makes this a no-op once it has succeeded
		if s.publicChat != 0 {
			if _, err := s.dedup.ForwardOnce(ctx, dedup.ForwardPublic, code, entry.Handle, s.publicChat); err != nil {
				log.Warnln("Public forward retry failed:", err)
			}
		}
		if _, err := s.dedup.Replay(ctx, entry.Handle, chatID); err == nil {
			if err := s.messenger.Delete(ctx, status); err != nil {
				log.Warnln("Failed to delete status message:", err)
			}
			return nil
		} else {
			// The archived copy may have been deleted out from under us;
			// fall through and relay it fresh
			log.Warnln("Replay of cached entry failed, relaying fresh:", err)
		}
	}

	req, err := s.resolver.Resolve(ctx, link)
	if err != nil {
		log.WithField("link", link).Warnln("Resolution failed:", err)
		edit("Sorry! The resolver is unreachable or your link is broken.", nil)
		return nil
	}

	if !s.queue.Claim(req, userID) {
		edit("This link is already being processed. Please try again in a moment.", nil)
		return nil
	}

	if err := s.limiter.OnAccepted(ctx, userID); err != nil {
		log.Warnln("Failed to start cooldown:", err)
	}

	if maxSize, err := config.MaxRelaySize(); err == nil && maxSize > 0 &&
		req.SizeBytes > maxSize && !config.IsAdmin(userID) {
		s.queue.Release(link)
		edit("Sorry! That file is too big for me to relay.\nYou can still download it yourself:\n"+req.PrimaryURL, nil)
		return nil
	}

	if mode, err := s.GetMode(ctx, userID); err == nil && mode == ModePlay {
		s.queue.Release(link)
		edit("Your media is ready to play online.", [][]platform.Button{{
			{Label: "▶ Play", URL: s.playerURL(code)},
		}})
		return nil
	}

	return s.runTransfer(ctx, userID, chatID, status, code, link, req)
}

func (s *Service) runTransfer(ctx context.Context, userID, chatID int64, status platform.MessageRef, code, link string, req *relay.TransferRequest) error {
	session := s.engine.StartSession(req, userID)
	stopButtons := [][]platform.Button{{
		{Label: "Stop ✗", Data: "stop:" + session.ID},
	}}
	if err := s.messenger.EditText(ctx, status, "Starting transfer of `"+req.FileName+"`...", stopButtons); err != nil {
		log.Warnln("Failed to edit status message:", err)
	}

	progress := func(sess *relay.TransferSession, text string) {
		if err := s.messenger.EditText(ctx, status, text, stopButtons); err != nil {
			log.Debugln("Failed to edit progress message:", err)
		}
	}

	result, err := s.engine.Run(ctx, session, progress)
	if err != nil {
		s.queue.Fail(link)
		if clearErr := s.limiter.OnFailed(ctx, userID); clearErr != nil {
			log.Warnln("Failed to clear cooldown:", clearErr)
		}
		return s.reportTransferFailure(ctx, status, req, err)
	}

	if err := s.dedup.Record(ctx, code, result.Handle); err != nil {
		log.Errorln("Transfer succeeded but recording failed:", err)
	}
	// The archived copy already sits in the private channel, so that side
	// is done the moment the transfer lands
	if err := s.dedup.MarkForwarded(ctx, dedup.ForwardPrivate, code); err != nil {
		log.Warnln("Failed to mark private copy:", err)
	}
	if s.publicChat != 0 {
		if _, err := s.dedup.ForwardOnce(ctx, dedup.ForwardPublic, code, result.Handle, s.publicChat); err != nil {
			log.Warnln("Public forward failed, will retry on next request:", err)
		}
	}
	if _, err := s.dedup.Replay(ctx, result.Handle, chatID); err != nil {
		log.Errorln("Failed to deliver media to user:", err)
		if editErr := s.messenger.EditText(ctx, status, "Relay finished but delivery failed. Please send the link again.", nil); editErr != nil {
			log.Warnln("Failed to edit status message:", editErr)
		}
		s.queue.Fail(link)
		return err
	}
	if err := s.messenger.Delete(ctx, status); err != nil {
		log.Warnln("Failed to delete status message:", err)
	}
	s.queue.Release(link)
	return nil
}

func (s *Service) reportTransferFailure(ctx context.Context, status platform.MessageRef, req *relay.TransferRequest, err error) error {
	if errors.Is(err, relay.ErrCancelled) {
		if editErr := s.messenger.EditText(ctx, status, "Transfer cancelled.", nil); editErr != nil {
			log.Warnln("Failed to edit status message:", editErr)
		}
		return nil
	}

	text := "Sorry! I could not relay that file."
	var failure *relay.TransferFailure
	if errors.As(err, &failure) {
		text += "\n" + failure.Errors.UserError()
	}
	if req.PrimaryURL != "" {
		text += "\nYou can try downloading it yourself:\n" + req.PrimaryURL
	}
	if editErr := s.messenger.EditText(ctx, status, text, nil); editErr != nil {
		log.Warnln("Failed to edit status message:", editErr)
	}
	return nil
}

// HandleCallback routes a button press: stop:<session> cancels the
// session, mode:<mode> switches the user's delivery mode.
func (s *Service) HandleCallback(ctx context.Context, userID int64, callbackID, data string) error {
	switch {
	case strings.HasPrefix(data, "stop:"):
		sessionID := strings.TrimPrefix(data, "stop:")
		if s.engine.Cancel(sessionID) {
			return s.messenger.AnswerCallback(ctx, callbackID, "Stopping...")
		}
		return s.messenger.AnswerCallback(ctx, callbackID, "That transfer already finished.")

	case strings.HasPrefix(data, "mode:"):
		mode := Mode(strings.TrimPrefix(data, "mode:"))
		if mode != ModePlay && mode != ModeDownload {
			return s.messenger.AnswerCallback(ctx, callbackID, "Unknown mode.")
		}
		if err := s.SetMode(ctx, userID, mode); err != nil {
			return err
		}
		return s.messenger.AnswerCallback(ctx, callbackID, "Mode set to "+string(mode)+".")
	}
	return s.messenger.AnswerCallback(ctx, callbackID, "")
}

// IsActivated reports whether the user's account gate is open.
func (s *Service) IsActivated(ctx context.Context, userID int64) (bool, error) {
	_, found, err := s.store.Get(ctx, activeKeyPrefix+strconv.FormatInt(userID, 10))
	return found, err
}

// Activate opens the user's account gate for the given duration (zero
// means until explicitly deactivated).
func (s *Service) Activate(ctx context.Context, userID int64, ttl time.Duration) error {
	return s.store.Set(ctx, activeKeyPrefix+strconv.FormatInt(userID, 10), "1", ttl)
}

// Deactivate closes the user's account gate.
func (s *Service) Deactivate(ctx context.Context, userID int64) error {
	return s.store.Delete(ctx, activeKeyPrefix+strconv.FormatInt(userID, 10))
}

// GetMode returns the user's delivery mode, defaulting to download.
func (s *Service) GetMode(ctx context.Context, userID int64) (Mode, error) {
	val, found, err := s.store.Get(ctx, modeKeyPrefix+strconv.FormatInt(userID, 10))
	if err != nil {
		return ModeDownload, err
	}
	if !found {
		return ModeDownload, nil
	}
	return Mode(val), nil
}

// SetMode stores the user's delivery mode.
func (s *Service) SetMode(ctx context.Context, userID int64, mode Mode) error {
	return s.store.Set(ctx, modeKeyPrefix+strconv.FormatInt(userID, 10), string(mode), 0)
}

// PurgeCache wipes the dedup index.  Restricted to admins.
func (s *Service) PurgeCache(ctx context.Context, userID int64) (int64, error) {
	if !config.IsAdmin(userID) {
		return 0, errors.New("permission denied")
	}
	return s.dedup.Purge(ctx)
}

func (s *Service) playerURL(code string) string {
	return strings.TrimRight(s.playerBase, "/") + "/" + code
}
