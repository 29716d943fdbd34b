// ABOUTME: End-to-end tests of sessions talking through the development relay
// ABOUTME: Covers message delivery, blocks, user switching, dedupe and cross-user isolation

package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/swapchat/internal/auth"
	"github.com/2389/swapchat/internal/blocks"
	"github.com/2389/swapchat/internal/conversation"
	"github.com/2389/swapchat/internal/dedupe"
	"github.com/2389/swapchat/internal/relay"
	"github.com/2389/swapchat/internal/store"
	"github.com/2389/swapchat/internal/transport"
	"github.com/2389/swapchat/internal/wire"
)

const waitFor = 3 * time.Second

var testSecret = []byte("session-test-secret")

type harness struct {
	relay    *relay.Server
	url      string
	verifier *auth.JWTVerifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	verifier := auth.NewJWTVerifier(testSecret)
	r, err := relay.New(relay.Options{Identity: verifier})
	require.NoError(t, err)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
	})
	return &harness{
		relay:    r,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		verifier: verifier,
	}
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

// client bundles a session with the parts tests inspect directly.
type client struct {
	*Session
	store  *conversation.Store
	blocks *blocks.Registry
	dedupe *dedupe.Window
	tc     *transport.Client
}

func (h *harness) newClient(t *testing.T, persist store.Store) *client {
	t.Helper()
	if persist == nil {
		persist = store.NewMemoryStore()
	}

	tc, err := transport.New(transport.Options{
		URL:         h.url,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		SettleDelay: -1,
	})
	require.NoError(t, err)

	reg := blocks.New(persist, nil)
	convo := conversation.New(conversation.Options{Blocks: reg, Persist: persist})
	window := dedupe.New(time.Minute, 100)

	s, err := New(Options{
		Transport: tc,
		Store:     convo,
		Blocks:    reg,
		Identity:  auth.ClaimsResolver{},
		Dedupe:    window,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Close()
		tc.Close()
		convo.Close()
		window.Close()
	})

	return &client{Session: s, store: convo, blocks: reg, dedupe: window, tc: tc}
}

func (h *harness) signIn(t *testing.T, c *client, userID string) {
	t.Helper()
	require.NoError(t, c.SetToken(context.Background(), h.token(t, userID)))
	require.Eventually(t, func() bool {
		return c.Status().State == transport.StateConnected && h.relay.Connections(userID) > 0
	}, waitFor, 10*time.Millisecond)
}

func messageCount(c *client, threadID string) int {
	msgs, err := c.store.Messages(threadID)
	if err != nil {
		return 0
	}
	return len(msgs)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSession_ActionsRequireSignIn(t *testing.T) {
	h := newHarness(t)
	c := h.newClient(t, nil)
	ctx := context.Background()

	_, err := c.StartConversation(ctx, "bob", "", "hi", nil)
	assert.ErrorIs(t, err, ErrNotSignedIn)
	_, err = c.SendMessage(ctx, "t1", "hi", nil)
	assert.ErrorIs(t, err, ErrNotSignedIn)
	_, err = c.Block(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotSignedIn)
	_, err = c.Unblock(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.Empty(t, c.UserID())
}

func TestSession_InvalidTokenChangesNothing(t *testing.T) {
	h := newHarness(t)
	c := h.newClient(t, nil)
	h.signIn(t, c, "alice")

	err := c.SetToken(context.Background(), "not-a-jwt")
	require.Error(t, err)

	assert.Equal(t, "alice", c.UserID())
	assert.Equal(t, transport.StateConnected, c.Status().State)
}

func TestSession_MessageDelivery(t *testing.T) {
	h := newHarness(t)
	alice := h.newClient(t, nil)
	bob := h.newClient(t, nil)
	h.signIn(t, alice, "alice")
	h.signIn(t, bob, "bob")
	ctx := context.Background()

	threadID, err := alice.StartConversation(ctx, "bob", "listing-42", "is this still available?", nil)
	require.NoError(t, err)
	require.NotEmpty(t, threadID)

	require.Eventually(t, func() bool { return messageCount(bob, threadID) == 1 }, waitFor, 10*time.Millisecond)

	thread, ok := bob.store.Thread(threadID)
	require.True(t, ok)
	assert.Equal(t, "listing-42", thread.Topic)
	assert.Equal(t, "alice", thread.Counterpart("bob"))

	msgs, err := bob.store.Messages(threadID)
	require.NoError(t, err)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "is this still available?", msgs[0].Body)

	// The relay echo acknowledges alice's message without duplicating it.
	require.Eventually(t, func() bool {
		return !alice.store.IsPending(threadID, msgs[0].ID)
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, messageCount(alice, threadID))

	reply, err := bob.SendMessage(ctx, threadID, "yes it is", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return messageCount(alice, threadID) == 2 }, waitFor, 10*time.Millisecond)

	aliceMsgs, err := alice.store.Messages(threadID)
	require.NoError(t, err)
	assert.Equal(t, reply.ID, aliceMsgs[1].ID)
}

func TestSession_AttachmentOnlyMessage(t *testing.T) {
	h := newHarness(t)
	alice := h.newClient(t, nil)
	bob := h.newClient(t, nil)
	h.signIn(t, alice, "alice")
	h.signIn(t, bob, "bob")

	photo := conversation.Attachment{ID: "a1", SourceURI: "https://cdn.example.com/p.jpg", MimeType: "image/jpeg"}
	threadID, err := alice.StartConversation(context.Background(), "bob", "", "", []conversation.Attachment{photo})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return messageCount(bob, threadID) == 1 }, waitFor, 10*time.Millisecond)
	msgs, err := bob.store.Messages(threadID)
	require.NoError(t, err)
	assert.Equal(t, []conversation.Attachment{photo}, msgs[0].Attachments)
}

func TestSession_BlockPropagates(t *testing.T) {
	h := newHarness(t)
	alice := h.newClient(t, nil)
	bob := h.newClient(t, nil)
	h.signIn(t, alice, "alice")
	h.signIn(t, bob, "bob")
	ctx := context.Background()

	threadID, err := alice.StartConversation(ctx, "bob", "", "hello", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return messageCount(bob, threadID) == 1 }, waitFor, 10*time.Millisecond)

	changed, err := bob.Block(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, changed)

	again, err := bob.Block(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, again, "second block is a no-op")

	require.Eventually(t, func() bool { return alice.blocks.IsBlocked("bob", "alice") }, waitFor, 10*time.Millisecond)

	_, err = alice.SendMessage(ctx, threadID, "are you there?", nil)
	assert.ErrorIs(t, err, conversation.ErrRecipientBlocked)

	_, err = bob.SendMessage(ctx, threadID, "go away", nil)
	assert.ErrorIs(t, err, conversation.ErrSenderMustUnblock)

	id, err := alice.StartConversation(ctx, "bob", "other-topic", "hi again", nil)
	require.NoError(t, err)
	assert.Empty(t, id, "blocked pair cannot start a thread")

	_, err = bob.Unblock(ctx, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !alice.blocks.IsBlocked("bob", "alice") }, waitFor, 10*time.Millisecond)

	_, err = alice.SendMessage(ctx, threadID, "thanks for unblocking", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return messageCount(bob, threadID) == 2 }, waitFor, 10*time.Millisecond)
}

func TestSession_BlockRejectsSelfAndEmpty(t *testing.T) {
	h := newHarness(t)
	c := h.newClient(t, nil)
	h.signIn(t, c, "alice")

	_, err := c.Block(context.Background(), "alice")
	assert.Error(t, err)
	_, err = c.Block(context.Background(), "")
	assert.Error(t, err)
}

func TestSession_DuplicateDeliveryAppliedOnce(t *testing.T) {
	h := newHarness(t)
	c := h.newClient(t, nil)
	h.signIn(t, c, "alice")

	payload := wire.MessagePayload{
		Participants: []string{"bob", "alice"},
		Message: wire.MessageData{
			ID:        "01HZX3M6Q8Y0000000000000AA",
			Sender:    "bob",
			Body:      "hi",
			CreatedAt: time.Now().UTC(),
		},
	}
	for j := 0; j < 3; j++ {
		_, err := h.relay.Deliver("alice", wire.TypeMessage, payload)
		require.NoError(t, err)
	}

	threadID := conversation.ThreadID("alice", "bob", "")
	require.Eventually(t, func() bool { return messageCount(c, threadID) == 1 }, waitFor, 10*time.Millisecond)

	// Let the redeliveries drain before checking nothing else was added.
	require.Eventually(t, func() bool { return c.dedupe.Contains(payload.Message.ID) }, waitFor, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, messageCount(c, threadID))
}

func TestSession_IgnoresFramesForOtherUsers(t *testing.T) {
	h := newHarness(t)
	c := h.newClient(t, nil)
	h.signIn(t, c, "alice")

	_, err := h.relay.Deliver("alice", wire.TypeMessage, wire.MessagePayload{
		Participants: []string{"bob", "carol"},
		Message:      wire.MessageData{ID: "m-x", Sender: "bob", Body: "not for alice"},
	})
	require.NoError(t, err)
	_, err = h.relay.Deliver("alice", wire.TypeBlock, wire.BlockPayload{Owner: "bob", Target: "carol"})
	require.NoError(t, err)

	// A frame that does belong to alice marks the point the others were processed.
	_, err = h.relay.Deliver("alice", wire.TypeBlock, wire.BlockPayload{Owner: "dave", Target: "alice"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.blocks.IsBlocked("dave", "alice") }, waitFor, 10*time.Millisecond)

	assert.Empty(t, c.store.Threads())
	assert.False(t, c.blocks.IsBlocked("bob", "carol"))
	assert.False(t, c.dedupe.Contains("m-x"))
}

func TestSession_SwitchingUsersSwapsState(t *testing.T) {
	h := newHarness(t)
	persist := store.NewMemoryStore()
	c := h.newClient(t, persist)
	bob := h.newClient(t, nil)
	h.signIn(t, bob, "bob")
	ctx := context.Background()

	h.signIn(t, c, "alice")
	threadID, err := c.StartConversation(ctx, "bob", "", "from alice", nil)
	require.NoError(t, err)
	_, err = c.Block(ctx, "mallory")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return messageCount(bob, threadID) == 1 }, waitFor, 10*time.Millisecond)

	h.signIn(t, c, "carol")
	assert.Equal(t, "carol", c.UserID())
	assert.Empty(t, c.store.Threads())
	assert.False(t, c.blocks.IsBlocked("alice", "mallory"))
	require.Eventually(t, func() bool { return h.relay.Connections("alice") == 0 }, waitFor, 10*time.Millisecond)

	// Messages for alice no longer reach this client.
	_, err = bob.SendMessage(ctx, threadID, "alice?", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.store.Threads())

	// Alice's history and blocks come back from the snapshot store.
	h.signIn(t, c, "alice")
	assert.Equal(t, 1, messageCount(c, threadID))
	assert.True(t, c.blocks.IsBlocked("alice", "mallory"))
}

func TestSession_SignOut(t *testing.T) {
	h := newHarness(t)
	c := h.newClient(t, nil)
	h.signIn(t, c, "alice")

	require.NoError(t, c.SetToken(context.Background(), ""))

	assert.Empty(t, c.UserID())
	assert.Equal(t, transport.StateDisconnected, c.Status().State)
	require.Eventually(t, func() bool { return h.relay.Connections("alice") == 0 }, waitFor, 10*time.Millisecond)
}

func TestSession_DeleteConversation(t *testing.T) {
	h := newHarness(t)
	c := h.newClient(t, nil)
	h.signIn(t, c, "alice")
	ctx := context.Background()

	threadID, err := c.StartConversation(ctx, "bob", "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, threadID)

	assert.True(t, c.DeleteConversation(ctx, threadID))
	assert.False(t, c.DeleteConversation(ctx, threadID))
	_, ok := c.store.Thread(threadID)
	assert.False(t, ok)
}
