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

package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaybot/relaybot/bot"
	"github.com/relaybot/relaybot/dedup"
	"github.com/relaybot/relaybot/kvstore"
	"github.com/relaybot/relaybot/platform"
	"github.com/relaybot/relaybot/queue"
	"github.com/relaybot/relaybot/ratelimit"
	"github.com/relaybot/relaybot/relay"
	"github.com/relaybot/relaybot/resolver"
	"github.com/relaybot/relaybot/web_ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay bot and its web endpoints",
	RunE:  serveMain,
}

func serveMain(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := kvstore.NewRedisFromConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to set up the KV store")
	}
	// The account and mode flags are read on every message; keep a
	// small local cache in front of them
	cachedStore := kvstore.NewCached(store, 4096, 30*time.Second)

	messenger, err := platform.New(ctx, viper.GetString("Bot.Platform"))
	if err != nil {
		return errors.Wrap(err, "failed to set up the platform transport")
	}
	source, ok := messenger.(platform.UpdateSource)
	if !ok {
		return errors.New("configured platform transport cannot deliver updates")
	}

	engine := relay.NewEngine(messenger, viper.GetInt64("Bot.ArchiveChatID"))
	manager := queue.NewManager()
	service := bot.NewService(
		messenger,
		cachedStore,
		resolver.NewClient(),
		engine,
		dedup.New(store, messenger),
		ratelimit.New(store),
		manager,
	)

	webEngine := web_ui.GetEngine(func() (int, int) {
		return engine.ActiveCount(), len(manager.Active())
	})

	var group run.Group
	group.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	webCtx, webCancel := context.WithCancel(ctx)
	group.Add(func() error {
		return web_ui.RunEngine(webCtx, webEngine)
	}, func(error) {
		webCancel()
	})

	group.Add(func() error {
		updates, err := source.Updates(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to open the update stream")
		}
		log.Infoln("Listening for platform updates")
		for update := range updates {
			update := update
			go dispatch(ctx, service, update)
		}
		return errors.New("update stream closed")
	}, func(error) {
		cancel()
	})

	err = group.Run()
	var signalErr run.SignalError
	if errors.As(err, &signalErr) {
		log.Infoln("Shut down on", signalErr.Signal)
		return nil
	}
	return err
}

func dispatch(ctx context.Context, service *bot.Service, update platform.Update) {
	var err error
	if update.CallbackID != "" {
		err = service.HandleCallback(ctx, update.UserID, update.CallbackID, update.CallbackData)
	} else {
		err = service.HandleMessage(ctx, update.UserID, update.ChatID, update.Text)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"user": update.UserID,
			"chat": update.ChatID,
		}).Errorln("Failed to handle update:", err)
	}
}
