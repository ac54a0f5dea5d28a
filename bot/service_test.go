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

package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/relaybot/dedup"
	"github.com/relaybot/relaybot/kvstore"
	"github.com/relaybot/relaybot/platform"
	"github.com/relaybot/relaybot/queue"
	"github.com/relaybot/relaybot/ratelimit"
	"github.com/relaybot/relaybot/relay"
)

type fakeMessenger struct {
	mu          sync.Mutex
	nextID      int64
	texts       []string
	edits       []string
	lastButtons [][]platform.Button
	callbacks   []string
	deletes     int
	streams     int
	streamErr   error
	forwards    []int64
	forwardErr  error
	// Rejects forwards to this destination only; zero disables it
	forwardErrFor int64
}

func (m *fakeMessenger) ref(chatID int64) platform.MessageRef {
	m.nextID++
	return platform.MessageRef{ChatID: chatID, MessageID: m.nextID}
}

func (m *fakeMessenger) SendText(ctx context.Context, chatID int64, text string, buttons [][]platform.Button) (platform.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return m.ref(chatID), nil
}

func (m *fakeMessenger) EditText(ctx context.Context, ref platform.MessageRef, text string, buttons [][]platform.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, text)
	m.lastButtons = buttons
	return nil
}

func (m *fakeMessenger) Delete(ctx context.Context, ref platform.MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	return nil
}

func (m *fakeMessenger) SendMediaStream(ctx context.Context, chatID int64, remoteURL string, opts platform.MediaOptions) (platform.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams++
	if m.streamErr != nil {
		return platform.MessageRef{}, m.streamErr
	}
	return m.ref(chatID), nil
}

func (m *fakeMessenger) SendMediaFile(ctx context.Context, chatID int64, path string, opts platform.MediaOptions, progress platform.ProgressFunc) (platform.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ref(chatID), nil
}

func (m *fakeMessenger) Forward(ctx context.Context, destChatID int64, src platform.MessageRef) (platform.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwardErr != nil {
		return platform.MessageRef{}, m.forwardErr
	}
	if m.forwardErrFor != 0 && destChatID == m.forwardErrFor {
		return platform.MessageRef{}, errors.New("forward rejected")
	}
	m.forwards = append(m.forwards, destChatID)
	return m.ref(destChatID), nil
}

func (m *fakeMessenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, text)
	return nil
}

func (m *fakeMessenger) lastEdit() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return ""
	}
	return m.edits[len(m.edits)-1]
}

type fakeResolver struct {
	req   *relay.TransferRequest
	err   error
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, link string) (*relay.TransferRequest, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.req, nil
}

const (
	testLink = "https://example.com/s/abc123"
	testUser = int64(42)
	testChat = int64(9000)
)

func testTransferRequest() *relay.TransferRequest {
	return &relay.TransferRequest{
		Link:       testLink,
		ShortCode:  "abc123",
		PrimaryURL: "https://mirror.example.com/f",
		FileName:   "clip.mp4",
	}
}

type fixture struct {
	svc       *Service
	messenger *fakeMessenger
	resolver  *fakeResolver
	engine    *relay.Engine
	queue     *queue.Manager
	mr        *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	viper.Reset()
	viper.Set("Transfer.MaxAttempts", 3)
	viper.Set("Transfer.RetryBackoff", time.Millisecond)
	viper.Set("Transfer.ProgressInterval", time.Millisecond)
	viper.Set("Transfer.ScratchDir", t.TempDir())
	viper.Set("Transfer.MaxRelaySize", "500MB")
	viper.Set("RateLimit.Cooldown", 60*time.Second)
	viper.Set("Bot.PublicChatID", 555)
	viper.Set("Bot.ArchiveChatID", 100)
	viper.Set("Bot.PlayerBaseURL", "https://play.example.com")

	mr := miniredis.RunT(t)
	store := kvstore.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	messenger := &fakeMessenger{}
	engine := relay.NewEngine(messenger, 100)
	cache := dedup.New(store, messenger)
	limiter := ratelimit.New(store)
	manager := queue.NewManager()
	linkResolver := &fakeResolver{req: testTransferRequest()}

	svc := NewService(messenger, store, linkResolver, engine, cache, limiter, manager)
	require.NoError(t, svc.Activate(context.Background(), testUser, 0))

	return &fixture{svc: svc, messenger: messenger, resolver: linkResolver, engine: engine, queue: manager, mr: mr}
}

func TestRelayHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, "look at this "+testLink))

	// One engine invocation, then the archived copy forwarded to the
	// public chat and to the requesting user
	assert.Equal(t, 1, f.messenger.streams)
	assert.Equal(t, []int64{555, testChat}, f.messenger.forwards)
	assert.Equal(t, 1, f.messenger.deletes)
	assert.False(t, f.queue.IsProcessing(testLink))

	// Both forward flags are up: the archived copy covers the private
	// side, the public chat got its forward
	assert.True(t, f.mr.Exists("fwd:private:abc123"))
	assert.True(t, f.mr.Exists("fwd:public:abc123"))
}

func TestPublicForwardRetriedOnCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The public chat rejects the forward on the first relay
	f.messenger.forwardErrFor = 555
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	assert.False(t, f.mr.Exists("fwd:public:abc123"))

	// The next request for the same link completes the public side
	f.messenger.forwardErrFor = 0
	f.mr.FastForward(61 * time.Second)
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	assert.True(t, f.mr.Exists("fwd:public:abc123"))
	assert.Equal(t, 1, f.messenger.streams)
}

func TestRepeatLinkServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	require.Equal(t, 1, f.messenger.streams)

	// Past the cooldown, the same link comes back
	f.mr.FastForward(61 * time.Second)
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))

	// No second transfer, no second resolution; just a forward
	assert.Equal(t, 1, f.messenger.streams)
	assert.Equal(t, 1, f.resolver.calls)
	assert.Equal(t, []int64{555, testChat, testChat}, f.messenger.forwards)
}

func TestCooldownDeniesSecondRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))

	f.mr.FastForward(30 * time.Second)
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, "https://example.com/s/other"))
	assert.Contains(t, f.messenger.lastEdit(), "too fast")
	assert.Contains(t, f.messenger.lastEdit(), "30 seconds")
	assert.Equal(t, 1, f.resolver.calls)
}

func TestFailedTransferClearsCooldownAndLeavesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.messenger.streamErr = errors.New("stream rejected")
	// The download fallback cannot reach this mirror either
	f.resolver.req.PrimaryURL = "http://127.0.0.1:1/f"

	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))

	assert.Contains(t, f.messenger.lastEdit(), "could not relay")
	assert.Contains(t, f.messenger.lastEdit(), "http://127.0.0.1:1/f")
	assert.False(t, f.queue.IsProcessing(testLink))

	// Cooldown was cleared, so an immediate retry is admitted
	f.messenger.streamErr = nil
	f.resolver.req = testTransferRequest()
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	assert.NotContains(t, f.messenger.lastEdit(), "too fast")
}

func TestInvalidLink(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.HandleMessage(context.Background(), testUser, testChat, "no link at all"))
	assert.Contains(t, f.messenger.texts[0], "valid share link")
	assert.Equal(t, 0, f.resolver.calls)
}

func TestDeactivatedAccountGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Deactivate(ctx, testUser))

	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	assert.Contains(t, f.messenger.lastEdit(), "deactivated")
	assert.Equal(t, 0, f.resolver.calls)
}

func TestResolverFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = &relay.ResolutionFailure{Link: testLink, Err: errors.New("api down")}

	require.NoError(t, f.svc.HandleMessage(context.Background(), testUser, testChat, testLink))
	assert.Contains(t, f.messenger.lastEdit(), "link is broken")
	assert.False(t, f.queue.IsProcessing(testLink))
	assert.Equal(t, 0, f.messenger.streams)
}

func TestQueueClaimConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.queue.Claim(testTransferRequest(), 7))
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	assert.Contains(t, f.messenger.lastEdit(), "already being processed")
	assert.Contains(t, f.messenger.lastEdit(), "try again in a moment")
	assert.Equal(t, 0, f.messenger.streams)
}

func TestSizeGate(t *testing.T) {
	f := newFixture(t)
	f.resolver.req.SizeBytes = 600 * 1000 * 1000

	require.NoError(t, f.svc.HandleMessage(context.Background(), testUser, testChat, testLink))
	assert.Contains(t, f.messenger.lastEdit(), "too big")
	assert.Contains(t, f.messenger.lastEdit(), f.resolver.req.PrimaryURL)
	assert.Equal(t, 0, f.messenger.streams)
	assert.False(t, f.queue.IsProcessing(testLink))
}

func TestSizeGateAdminBypass(t *testing.T) {
	f := newFixture(t)
	viper.Set("Bot.AdminIDs", []string{"42"})
	f.resolver.req.SizeBytes = 600 * 1000 * 1000

	require.NoError(t, f.svc.HandleMessage(context.Background(), testUser, testChat, testLink))
	assert.Equal(t, 1, f.messenger.streams)
}

func TestPlayModeShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetMode(ctx, testUser, ModePlay))

	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	assert.Equal(t, 0, f.messenger.streams)
	assert.Contains(t, f.messenger.lastEdit(), "play online")
	require.Len(t, f.messenger.lastButtons, 1)
	assert.Equal(t, "https://play.example.com/abc123", f.messenger.lastButtons[0][0].URL)
	assert.False(t, f.queue.IsProcessing(testLink))
}

func TestStopCallbackRoutesToEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.engine.StartSession(testTransferRequest(), testUser)
	require.NoError(t, f.svc.HandleCallback(ctx, testUser, "cb1", "stop:"+session.ID))
	assert.True(t, session.Cancelled())
	assert.Equal(t, []string{"Stopping..."}, f.messenger.callbacks)

	require.NoError(t, f.svc.HandleCallback(ctx, testUser, "cb2", "stop:unknown"))
	assert.Contains(t, f.messenger.callbacks[1], "already finished")
}

func TestModeCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleCallback(ctx, testUser, "cb1", "mode:play"))
	mode, err := f.svc.GetMode(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, ModePlay, mode)

	require.NoError(t, f.svc.HandleCallback(ctx, testUser, "cb2", "mode:bogus"))
	assert.Contains(t, f.messenger.callbacks[1], "Unknown mode")
}

func TestPurgeRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PurgeCache(ctx, testUser)
	assert.Error(t, err)

	viper.Set("Bot.AdminIDs", []string{"42"})
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	deleted, err := f.svc.PurgeCache(ctx, testUser)
	require.NoError(t, err)
	assert.Greater(t, deleted, int64(0))

	// The next identical request transfers again instead of replaying
	f.mr.FastForward(61 * time.Second)
	require.NoError(t, f.svc.HandleMessage(ctx, testUser, testChat, testLink))
	assert.Equal(t, 2, f.messenger.streams)
}
