// ABOUTME: Conversation store: the signed-in user's threads, messages and send policy
// ABOUTME: Every mutation runs under one mutex, re-sorts the thread list and saves a snapshot

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/swapchat/internal/store"
	"github.com/2389/swapchat/internal/wire"
)

// Policy failures returned to callers.
var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrContentEmpty      = errors.New("message has no body or attachments")
	ErrRecipientBlocked  = errors.New("recipient has blocked you")
	ErrSenderMustUnblock = errors.New("you have blocked this user; unblock to send")
	ErrNotParticipant    = errors.New("not a participant in this thread")
	ErrPairBlocked       = errors.New("pair is blocked")
	ErrInvalidMessage    = errors.New("invalid message")
)

// BlockChecker answers block policy questions. *blocks.Registry satisfies it.
type BlockChecker interface {
	IsBlocked(owner, target string) bool
	HasMutualBlock(a, b string) bool
}

// Sender writes outbound frames. *transport.Client satisfies it. Send is
// fire-and-forget: false only means the frame was not written now.
type Sender interface {
	Send(ctx context.Context, frameType string, payload any) bool
}

// StartRequest opens or creates a thread, optionally with a first message.
type StartRequest struct {
	From               string
	To                 string
	Topic              string
	InitialMessage     string
	InitialAttachments []Attachment
}

// SendRequest appends a message to an existing thread.
type SendRequest struct {
	ThreadID    string
	Sender      string
	Body        string
	Attachments []Attachment
}

// InboundMessage is a message delivered by the transport. ThreadID is
// informational; the thread is located by participants and topic.
type InboundMessage struct {
	ThreadID     string
	Participants []string
	Topic        string
	Message      Message
}

// Options configures a Store.
type Options struct {
	// Blocks is consulted on every start and send. Required.
	Blocks BlockChecker
	// Persist receives a snapshot after every mutation. Optional.
	Persist store.Store
	Logger  *slog.Logger
}

type snapshot struct {
	Threads []Thread `cbor:"threads"`
}

// Store owns the canonical set of threads for the current user.
type Store struct {
	mu      sync.Mutex
	userID  string
	threads map[string]*Thread
	order   []string                       // thread ids, UpdatedAt desc
	pending map[string]map[string]struct{} // thread id -> outbound message ids awaiting echo
	sender  Sender

	blocks  BlockChecker
	persist store.Store
	feed    *ChangeFeed
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates an empty Store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		threads: make(map[string]*Thread),
		pending: make(map[string]map[string]struct{}),
		blocks:  opts.Blocks,
		persist: opts.Persist,
		feed:    NewChangeFeed(logger),
		logger:  logger.With("component", "conversation"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return ulid.Make().String() },
	}
}

// SetSender attaches the outbound transport. With no sender, sends are
// recorded locally only.
func (s *Store) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// Subscribe returns a channel of change notifications until ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan Change {
	return s.feed.Subscribe(ctx)
}

// Close ends all change subscriptions.
func (s *Store) Close() {
	s.feed.Close()
}

// Init scopes the store to userID and loads that user's saved threads.
func (s *Store) Init(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.userID = userID

	if s.persist == nil || userID == "" {
		return nil
	}

	var snap snapshot
	found, err := store.LoadSnapshot(ctx, s.persist, store.ThreadsKey(userID), &snap)
	if err != nil {
		return fmt.Errorf("loading threads for %s: %w", userID, err)
	}
	if !found {
		return nil
	}
	for i := range snap.Threads {
		t := snap.Threads[i]
		s.threads[t.ID] = &t
	}
	s.resortLocked()
	s.logger.Debug("threads loaded", "user_id", userID, "threads", len(s.threads))
	s.feed.Publish(Change{Kind: ChangeReset})
	return nil
}

// Reset drops everything held for the current user. Saved snapshots are
// kept so the user's history returns at the next Init.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.userID = ""
	s.feed.Publish(Change{Kind: ChangeReset})
}

// UserID returns the user the store is scoped to.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// StartConversation opens the thread between req.From and req.To about
// req.Topic, creating it if needed, and appends the initial content if any.
// It returns "" when the pair is invalid or blocked in either direction;
// the refusal is silent so a blocked user cannot learn about the attempt.
func (s *Store) StartConversation(ctx context.Context, req StartRequest) string {
	if req.From == "" || req.To == "" || req.From == req.To {
		return ""
	}

	s.mu.Lock()

	if s.blocks.HasMutualBlock(req.From, req.To) {
		s.mu.Unlock()
		s.logger.Debug("start refused: pair blocked", "from", req.From, "to", req.To)
		return ""
	}

	id := ThreadID(req.From, req.To, req.Topic)
	thread, exists := s.threads[id]
	if !exists {
		now := s.now()
		thread = &Thread{
			ID:           id,
			Participants: normalizePair(req.From, req.To),
			Topic:        req.Topic,
			Messages:     []Message{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.threads[id] = thread
		s.feed.Publish(Change{Kind: ChangeCreated, ThreadID: id})
		s.logger.Info("thread created", "thread_id", id, "topic", req.Topic)
	}

	msg := Message{
		Sender:      req.From,
		Body:        req.InitialMessage,
		Attachments: append([]Attachment(nil), req.InitialAttachments...),
	}
	if !msg.HasContent() {
		if !exists {
			s.resortLocked()
			s.saveLocked(ctx)
		}
		s.mu.Unlock()
		return id
	}

	msg = s.appendOutboundLocked(ctx, thread, msg)
	payload, sender := ToWire(thread, msg), s.sender
	s.mu.Unlock()

	s.transmit(ctx, sender, payload)
	return id
}

// SendMessage appends a message from req.Sender to an existing thread.
// Block state is checked on every call, so a block or unblock takes effect
// on the very next send.
func (s *Store) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	s.mu.Lock()

	thread, ok := s.threads[req.ThreadID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrThreadNotFound
	}
	if !thread.HasParticipant(req.Sender) {
		s.mu.Unlock()
		return nil, ErrNotParticipant
	}

	msg := Message{
		Sender:      req.Sender,
		Body:        req.Body,
		Attachments: append([]Attachment(nil), req.Attachments...),
	}
	if !msg.HasContent() {
		s.mu.Unlock()
		return nil, ErrContentEmpty
	}

	recipient := thread.Counterpart(req.Sender)
	if s.blocks.IsBlocked(req.Sender, recipient) {
		s.mu.Unlock()
		return nil, ErrSenderMustUnblock
	}
	if s.blocks.IsBlocked(recipient, req.Sender) {
		s.mu.Unlock()
		return nil, ErrRecipientBlocked
	}

	msg = s.appendOutboundLocked(ctx, thread, msg)
	payload, sender := ToWire(thread, msg), s.sender
	s.mu.Unlock()

	s.transmit(ctx, sender, payload)
	out := msg.clone()
	return &out, nil
}

// DeleteConversation removes a thread and its history. It reports whether
// the thread existed.
func (s *Store) DeleteConversation(ctx context.Context, threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return false
	}
	delete(s.threads, threadID)
	delete(s.pending, threadID)
	s.resortLocked()
	s.saveLocked(ctx)
	s.feed.Publish(Change{Kind: ChangeDeleted, ThreadID: threadID})
	s.logger.Info("thread deleted", "thread_id", threadID)
	return true
}

// ApplyInboundMessage records a message delivered by the transport. It is
// idempotent on message id: a redelivery, or the echo of a message this
// user sent, returns false without changing history. Threads are created
// on first contact.
func (s *Store) ApplyInboundMessage(ctx context.Context, in InboundMessage) (bool, error) {
	if err := validateInbound(in); err != nil {
		return false, err
	}
	a, b := in.Participants[0], in.Participants[1]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID != "" && s.userID != a && s.userID != b {
		return false, ErrNotParticipant
	}

	id := ThreadID(a, b, in.Topic)
	thread, exists := s.threads[id]
	if exists && thread.hasMessage(in.Message.ID) {
		s.clearPendingLocked(id, in.Message.ID)
		return false, nil
	}

	if s.blocks.HasMutualBlock(a, b) {
		return false, ErrPairBlocked
	}

	msg := in.Message.clone()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	if !exists {
		thread = &Thread{
			ID:           id,
			Participants: normalizePair(a, b),
			Topic:        in.Topic,
			Messages:     []Message{},
			CreatedAt:    msg.CreatedAt,
			UpdatedAt:    msg.CreatedAt,
		}
		s.threads[id] = thread
		s.feed.Publish(Change{Kind: ChangeCreated, ThreadID: id})
		s.logger.Info("thread created by inbound message", "thread_id", id, "sender", msg.Sender)
	}

	s.appendLocked(ctx, thread, msg)
	return true, nil
}

// Threads returns every thread, most recently updated first.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Thread, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.threads[id].clone())
	}
	return out
}

// Thread returns a copy of one thread.
func (s *Store) Thread(id string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return Thread{}, false
	}
	return t.clone(), true
}

// Messages returns a copy of a thread's messages in append order.
func (s *Store) Messages(threadID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return t.clone().Messages, nil
}

// IsPending reports whether an outbound message is still waiting for the
// server's echo.
func (s *Store) IsPending(threadID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[threadID][messageID]
	return ok
}

// appendOutboundLocked stamps and appends a locally authored message and
// marks it pending.
func (s *Store) appendOutboundLocked(ctx context.Context, t *Thread, msg Message) Message {
	msg.ID = s.newID()
	msg.CreatedAt = s.now()

	p, ok := s.pending[t.ID]
	if !ok {
		p = make(map[string]struct{})
		s.pending[t.ID] = p
	}
	p[msg.ID] = struct{}{}

	s.appendLocked(ctx, t, msg)
	return msg
}

// appendLocked appends msg, bumps UpdatedAt without ever moving it
// backwards, re-sorts, saves and notifies.
func (s *Store) appendLocked(ctx context.Context, t *Thread, msg Message) {
	t.Messages = append(t.Messages, msg)
	if msg.CreatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = msg.CreatedAt
	}
	s.resortLocked()
	s.saveLocked(ctx)
	s.feed.Publish(Change{Kind: ChangeAppended, ThreadID: t.ID, MessageID: msg.ID})
}

func (s *Store) clearPendingLocked(threadID, messageID string) {
	p, ok := s.pending[threadID]
	if !ok {
		return
	}
	delete(p, messageID)
	if len(p) == 0 {
		delete(s.pending, threadID)
	}
}

func (s *Store) clearLocked() {
	s.threads = make(map[string]*Thread)
	s.pending = make(map[string]map[string]struct{})
	s.order = nil
}

// resortLocked recomputes the recency order from scratch.
func (s *Store) resortLocked() {
	order := make([]string, 0, len(s.threads))
	for id := range s.threads {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		ti, tj := s.threads[order[i]], s.threads[order[j]]
		if !ti.UpdatedAt.Equal(tj.UpdatedAt) {
			return ti.UpdatedAt.After(tj.UpdatedAt)
		}
		return order[i] < order[j]
	})
	s.order = order
}

// saveLocked writes the snapshot. Failures are logged; the in-memory
// mutation stands.
func (s *Store) saveLocked(ctx context.Context) {
	if s.persist == nil || s.userID == "" {
		return
	}
	snap := snapshot{Threads: make([]Thread, 0, len(s.order))}
	for _, id := range s.order {
		snap.Threads = append(snap.Threads, *s.threads[id])
	}
	if err := store.SaveSnapshot(ctx, s.persist, store.ThreadsKey(s.userID), snap); err != nil {
		s.logger.Error("failed to save threads", "user_id", s.userID, "error", err)
	}
}

func (s *Store) transmit(ctx context.Context, sender Sender, payload wire.MessagePayload) {
	if sender == nil {
		return
	}
	if !sender.Send(ctx, wire.TypeMessage, payload) {
		s.logger.Warn("message kept locally, transport not connected",
			"thread_id", payload.ThreadID,
			"message_id", payload.Message.ID)
	}
}

func validateInbound(in InboundMessage) error {
	if len(in.Participants) != 2 {
		return fmt.Errorf("%w: want 2 participants, got %d", ErrInvalidMessage, len(in.Participants))
	}
	a, b := in.Participants[0], in.Participants[1]
	if a == "" || b == "" || a == b {
		return fmt.Errorf("%w: participants must be two distinct users", ErrInvalidMessage)
	}
	if in.Message.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidMessage)
	}
	if in.Message.Sender != a && in.Message.Sender != b {
		return fmt.Errorf("%w: sender is not a participant", ErrInvalidMessage)
	}
	if !in.Message.HasContent() {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, ErrContentEmpty)
	}
	return nil
}
