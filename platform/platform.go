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

// Package platform abstracts the messaging platform the relay talks to.
// The relay pipeline only ever sees this contract; concrete transports
// register themselves via Register and are selected by configuration.
package platform

import "context"

// MessageRef identifies a message the bot has sent or seen.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// MediaHandle is the opaque identifier of an archived media copy.  It is
// the value the dedup cache records and later replays with Forward.
type MediaHandle struct {
	ChatID    int64
	MessageID int64
}

// Ref returns the handle's location as a MessageRef.
func (h MediaHandle) Ref() MessageRef {
	return MessageRef{ChatID: h.ChatID, MessageID: h.MessageID}
}

// IsZero reports whether the handle has not been assigned.
func (h MediaHandle) IsZero() bool {
	return h.ChatID == 0 && h.MessageID == 0
}

// Button is an inline keyboard button.  Exactly one of Data or URL is set.
type Button struct {
	Label string
	Data  string
	URL   string
}

// MediaOptions carries the presentation details of an outgoing media message.
type MediaOptions struct {
	Caption      string
	FileName     string
	ThumbnailURL string
	Buttons      [][]Button
}

// ProgressFunc reports upload progress.  total is <= 0 when unknown.
type ProgressFunc func(transferred, total int64)

// Update is one incoming event from the platform: either a chat message
// (Text set) or a button press (CallbackID set).
type Update struct {
	UserID int64
	ChatID int64

	Text string

	CallbackID   string
	CallbackData string
}

// UpdateSource is implemented by transports that deliver incoming
// events.  The channel closes when ctx is cancelled or the connection is
// lost for good.
type UpdateSource interface {
	Updates(ctx context.Context) (<-chan Update, error)
}

// Messenger is the transport contract.  All methods honor ctx cancellation;
// implementations decide what counts as a transient failure and should
// return errors that unwrap to transient types where a retry could help.
type Messenger interface {
	// SendText posts a text message, optionally with inline buttons.
	SendText(ctx context.Context, chatID int64, text string, buttons [][]Button) (MessageRef, error)

	// EditText replaces the text (and buttons) of an existing message.
	EditText(ctx context.Context, ref MessageRef, text string, buttons [][]Button) error

	// Delete removes a message.
	Delete(ctx context.Context, ref MessageRef) error

	// SendMediaStream asks the platform to fetch the remote URL itself and
	// deliver it as media.  This avoids a local download entirely but only
	// works when the platform can reach and accept the URL.
	SendMediaStream(ctx context.Context, chatID int64, remoteURL string, opts MediaOptions) (MessageRef, error)

	// SendMediaFile uploads a local file as media, reporting progress.
	SendMediaFile(ctx context.Context, chatID int64, path string, opts MediaOptions, progress ProgressFunc) (MessageRef, error)

	// Forward copies an existing message into another chat and returns the
	// new message's reference.
	Forward(ctx context.Context, destChatID int64, src MessageRef) (MessageRef, error)

	// AnswerCallback acknowledges a button press, optionally with a toast.
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
