// ABOUTME: Per-user wiring of transport, conversation store, block registry and dedupe window
// ABOUTME: Routes inbound frames by type and swaps all user state on token change

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/swapchat/internal/auth"
	"github.com/2389/swapchat/internal/blocks"
	"github.com/2389/swapchat/internal/conversation"
	"github.com/2389/swapchat/internal/dedupe"
	"github.com/2389/swapchat/internal/metrics"
	"github.com/2389/swapchat/internal/transport"
	"github.com/2389/swapchat/internal/wire"
)

// ErrNotSignedIn is returned by user actions before a token is set.
var ErrNotSignedIn = errors.New("not signed in")

// Transport is what the session needs from the connection.
// *transport.Client satisfies it.
type Transport interface {
	SetToken(token string)
	Disconnect()
	Subscribe(ctx context.Context) <-chan transport.Event
	Send(ctx context.Context, frameType string, payload any) bool
	Status() transport.ConnectionState
}

// Options wires a Session. Transport, Store, Blocks and Identity are required.
type Options struct {
	Transport Transport
	Store     *conversation.Store
	Blocks    *blocks.Registry
	Identity  auth.IdentityResolver
	// Dedupe drops redelivered message ids before the store sees them.
	// Optional; the store is idempotent on its own.
	Dedupe *dedupe.Window
	Logger *slog.Logger
}

type frameHandler func(ctx context.Context, payload json.RawMessage) error

// Session is one client's messaging core. Construct one per client; there
// is no shared global state.
type Session struct {
	transport Transport
	store     *conversation.Store
	blocks    *blocks.Registry
	identity  auth.IdentityResolver
	dedupe    *dedupe.Window
	logger    *slog.Logger

	handlers map[string]frameHandler
	events   <-chan transport.Event
	cancel   context.CancelFunc

	// tokenMu serializes SetToken calls.
	tokenMu sync.Mutex
	// mu guards the identity and is held while one inbound frame is
	// applied, so a user switch never interleaves with a frame.
	mu     sync.Mutex
	token  string
	userID string
}

// New creates a Session and subscribes to the transport. Run must be
// called to consume events.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil || opts.Store == nil || opts.Blocks == nil || opts.Identity == nil {
		return nil, fmt.Errorf("session: transport, store, blocks and identity are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport: opts.Transport,
		store:     opts.Store,
		blocks:    opts.Blocks,
		identity:  opts.Identity,
		dedupe:    opts.Dedupe,
		logger:    logger.With("component", "session"),
		events:    opts.Transport.Subscribe(ctx),
		cancel:    cancel,
	}
	s.handlers = map[string]frameHandler{
		wire.TypeMessage: s.handleMessage,
		wire.TypeBlock:   s.handleBlock,
		wire.TypeUnblock: s.handleUnblock,
	}
	s.store.SetSender(opts.Transport)
	return s, nil
}

// Close stops consuming transport events. Run returns once the
// subscription channel drains.
func (s *Session) Close() {
	s.cancel()
}

// UserID returns the signed-in user, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Status returns the transport's connection state.
func (s *Session) Status() transport.ConnectionState {
	return s.transport.Status()
}

// SetToken signs in as the token's user. A token that cannot be resolved
// is rejected and nothing changes. Switching users disconnects first, then
// clears and reloads all per-user state, then connects with the new token.
// An empty token signs out.
func (s *Session) SetToken(ctx context.Context, token string) error {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	s.mu.Lock()
	same := token == s.token
	s.mu.Unlock()
	if same {
		return nil
	}

	var userID string
	if token != "" {
		var err error
		userID, err = s.identity.Resolve(token)
		if err != nil {
			return fmt.Errorf("resolving identity: %w", err)
		}
	}

	// Waits for the old connection to finish; no frame for the previous
	// user can arrive on a live socket after this.
	s.transport.Disconnect()

	s.mu.Lock()
	s.store.Reset()
	s.blocks.Teardown()
	if s.dedupe != nil {
		s.dedupe.Reset()
	}
	s.token = token
	s.userID = userID

	var initErr error
	if userID != "" {
		if err := s.blocks.Init(ctx, userID); err != nil {
			initErr = errors.Join(initErr, err)
		}
		if err := s.store.Init(ctx, userID); err != nil {
			initErr = errors.Join(initErr, err)
		}
	}
	s.mu.Unlock()

	if initErr != nil {
		// Start empty rather than refuse to connect.
		s.logger.Error("failed to load saved state", "user_id", userID, "error", initErr)
	}

	if userID == "" {
		s.logger.Info("signed out")
	} else {
		s.logger.Info("signed in", "user_id", userID)
	}
	s.transport.SetToken(token)
	return nil
}

// Run consumes transport events until ctx is cancelled or the session is
// closed. Each frame is applied to completion before the next is read.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Connected:
		s.logger.Info("transport connected")
	case transport.Disconnected:
		s.logger.Info("transport disconnected", "code", e.Code, "reason", e.Reason)
	case transport.ErrorEvent:
		s.logger.Warn("transport error", "detail", e.Detail)
	case transport.MessageEvent:
		s.dispatch(ctx, e)
	}
}

func (s *Session) dispatch(ctx context.Context, ev transport.MessageEvent) {
	handler, ok := s.handlers[ev.Type]
	if !ok {
		s.logger.Debug("ignoring unknown frame type", "type", ev.Type)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == "" {
		s.logger.Debug("dropping frame while signed out", "type", ev.Type)
		return
	}
	if err := handler(ctx, ev.Payload); err != nil {
		s.logger.Warn("frame not applied", "type", ev.Type, "error", err)
	}
}

// handleMessage applies an inbound message. Must be called with mu held.
func (s *Session) handleMessage(ctx context.Context, raw json.RawMessage) error {
	var p wire.MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		metrics.InboundMessages.WithLabelValues("refused").Inc()
		return fmt.Errorf("%w: %v", wire.ErrMalformedFrame, err)
	}
	if err := p.Validate(); err != nil {
		metrics.InboundMessages.WithLabelValues("refused").Inc()
		return err
	}

	id := p.Message.ID
	if s.dedupe != nil && s.dedupe.Seen(id) {
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		s.logger.Debug("dropping redelivered message", "message_id", id)
		return nil
	}

	applied, err := s.store.ApplyInboundMessage(ctx, conversation.FromWire(p))
	if err != nil {
		// A refused message may become acceptable later (after an unblock).
		if s.dedupe != nil {
			s.dedupe.Forget(id)
		}
		metrics.InboundMessages.WithLabelValues("refused").Inc()
		return err
	}
	if !applied {
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.InboundMessages.WithLabelValues("applied").Inc()
	return nil
}

func (s *Session) handleBlock(ctx context.Context, raw json.RawMessage) error {
	p, err := s.decodeEdge(raw)
	if err != nil {
		return err
	}
	if s.blocks.Block(ctx, p.Owner, p.Target) {
		s.logger.Info("block received", "owner", p.Owner, "target", p.Target)
	}
	return nil
}

func (s *Session) handleUnblock(ctx context.Context, raw json.RawMessage) error {
	p, err := s.decodeEdge(raw)
	if err != nil {
		return err
	}
	if s.blocks.Unblock(ctx, p.Owner, p.Target) {
		s.logger.Info("unblock received", "owner", p.Owner, "target", p.Target)
	}
	return nil
}

// decodeEdge parses a block payload and checks it involves the signed-in
// user. Must be called with mu held.
func (s *Session) decodeEdge(raw json.RawMessage) (wire.BlockPayload, error) {
	var p wire.BlockPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", wire.ErrMalformedFrame, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	if p.Owner != s.userID && p.Target != s.userID {
		return p, fmt.Errorf("edge %s -> %s does not involve %s", p.Owner, p.Target, s.userID)
	}
	return p, nil
}

// Block blocks target for the signed-in user and tells the server. It
// reports whether the edge was new.
func (s *Session) Block(ctx context.Context, target string) (bool, error) {
	return s.setEdge(ctx, target, wire.TypeBlock, s.blocks.Block)
}

// Unblock lifts a block set by the signed-in user.
func (s *Session) Unblock(ctx context.Context, target string) (bool, error) {
	return s.setEdge(ctx, target, wire.TypeUnblock, s.blocks.Unblock)
}

func (s *Session) setEdge(ctx context.Context, target, frameType string, apply func(context.Context, string, string) bool) (bool, error) {
	user := s.UserID()
	if user == "" {
		return false, ErrNotSignedIn
	}
	if target == "" || target == user {
		return false, fmt.Errorf("invalid %s target %q", frameType, target)
	}

	changed := apply(ctx, user, target)
	if changed && !s.transport.Send(ctx, frameType, wire.BlockPayload{Owner: user, Target: target}) {
		s.logger.Warn("edge saved locally, transport not connected", "type", frameType, "target", target)
	}
	return changed, nil
}

// StartConversation opens or creates the thread with `to` about topic.
// An empty id means the conversation is not allowed.
func (s *Session) StartConversation(ctx context.Context, to, topic, body string, attachments []conversation.Attachment) (string, error) {
	user := s.UserID()
	if user == "" {
		return "", ErrNotSignedIn
	}
	return s.store.StartConversation(ctx, conversation.StartRequest{
		From:               user,
		To:                 to,
		Topic:              topic,
		InitialMessage:     body,
		InitialAttachments: attachments,
	}), nil
}

// SendMessage sends as the signed-in user.
func (s *Session) SendMessage(ctx context.Context, threadID, body string, attachments []conversation.Attachment) (*conversation.Message, error) {
	user := s.UserID()
	if user == "" {
		return nil, ErrNotSignedIn
	}
	return s.store.SendMessage(ctx, conversation.SendRequest{
		ThreadID:    threadID,
		Sender:      user,
		Body:        body,
		Attachments: attachments,
	})
}

// DeleteConversation hard-deletes a thread from the local history.
func (s *Session) DeleteConversation(ctx context.Context, threadID string) bool {
	return s.store.DeleteConversation(ctx, threadID)
}
