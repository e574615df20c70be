// Package messenger runs chat rooms over a pub/sub transport. Every sent
// message is captured to the content store and the local history log before
// it is published; the transport itself is treated as at-most-once.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/contentstore"
	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/history"
	"github.com/zot/scholar-hub/internal/metrics"
	"github.com/zot/scholar-hub/internal/pubsub"
)

// Message is one chat record. SentAt is the sender's clock; there is no
// shared ordering across publishers.
type Message struct {
	ID         string    `json:"id"`
	Room       string    `json:"room"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
	Hash       string    `json:"hash,omitempty"`
}

// payload is what travels on the topic.
type payload struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
	Hash       string    `json:"hash,omitempty"`
}

// Content is the part of the content store client the messenger needs.
type Content interface {
	Connected() bool
	StoreEnvelope(ctx context.Context, data any, meta contentstore.Metadata, opts ...contentstore.StoreOption) (contentstore.StoreResult, error)
}

// Messenger owns this process's room subscriptions, at most one per room.
type Messenger struct {
	ctx       context.Context
	cancel    context.CancelFunc
	transport pubsub.Transport
	content   Content
	history   *history.Log
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.Mutex
	rooms     map[string]*roomSub
	onMessage func(Message)
}

type roomSub struct {
	key    string
	userID string
	sub    pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func New(transport pubsub.Transport, content Content, hist *history.Log, log *zap.Logger, m *metrics.Metrics) *Messenger {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Messenger{
		ctx:       ctx,
		cancel:    cancel,
		transport: transport,
		content:   content,
		history:   hist,
		log:       log.Named("messenger"),
		metrics:   m,
		now:       time.Now,
		rooms:     make(map[string]*roomSub),
	}
}

// SetMessageHandler registers the callback invoked once for every message
// newly recorded at this node, sent locally or received from the topic.
func (m *Messenger) SetMessageHandler(fn func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

func (m *Messenger) handler() func(Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onMessage
}

// LocalPeer is this node's transport identity.
func (m *Messenger) LocalPeer() string {
	return m.transport.LocalID()
}

// SubscribeToRoom opens the room's topic. Subscribing an already subscribed
// room succeeds without a second subscription.
func (m *Messenger) SubscribeToRoom(room, userID string) error {
	if !ValidRoom(room) {
		return fmt.Errorf("bad room key %q: %w", room, errs.ErrValidation)
	}
	if !m.content.Connected() {
		return fmt.Errorf("subscribe %s: %w", room, errs.ErrStorageUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room]; ok {
		return nil
	}
	sub, err := m.transport.Subscribe(room)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", room, err)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	rs := &roomSub{key: room, userID: userID, sub: sub, cancel: cancel, done: make(chan struct{})}
	m.rooms[room] = rs
	go m.readRoom(ctx, rs)

	m.log.Info("room subscribed", zap.String("room", room), zap.String("user", userID))
	return nil
}

// UnsubscribeFromRoom closes the room's topic. Idempotent.
func (m *Messenger) UnsubscribeFromRoom(room string) error {
	m.mu.Lock()
	rs, ok := m.rooms[room]
	if ok {
		delete(m.rooms, room)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.stop(rs)
	m.log.Info("room unsubscribed", zap.String("room", room))
	return nil
}

func (m *Messenger) stop(rs *roomSub) {
	rs.cancel()
	_ = rs.sub.Cancel()
	<-rs.done
}

// Subscribed reports whether room has an active subscription.
func (m *Messenger) Subscribed(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[room]
	return ok
}

// Rooms lists the subscribed room keys.
func (m *Messenger) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for key := range m.rooms {
		rooms = append(rooms, key)
	}
	sort.Strings(rooms)
	return rooms
}

// SendMessage captures the message as a pinned envelope, publishes it and
// then records it in the history log. If capture fails nothing is published;
// if publishing fails nothing is recorded.
func (m *Messenger) SendMessage(ctx context.Context, room, senderID, senderName, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("empty message: %w", errs.ErrValidation)
	}
	if !m.Subscribed(room) {
		return Message{}, fmt.Errorf("not subscribed to %s: %w", room, errs.ErrNotFound)
	}

	msg := Message{
		ID:         uuid.NewString(),
		Room:       room,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		SentAt:     m.now().UTC(),
	}
	stored, err := m.content.StoreEnvelope(ctx, msg, contentstore.Metadata{
		Type:   contentstore.TypeChatMessage,
		Author: senderID,
		Extra:  map[string]string{"room": room},
	})
	if err != nil {
		return Message{}, fmt.Errorf("capture message: %w", err)
	}
	msg.Hash = stored.Hash

	data, err := json.Marshal(payload{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		SentAt:     msg.SentAt,
		Hash:       msg.Hash,
	})
	if err != nil {
		return Message{}, err
	}
	if err := m.transport.Publish(ctx, room, data); err != nil {
		return Message{}, fmt.Errorf("publish %s: %w", room, err)
	}
	m.chatMetric("sent")
	m.log.Debug("message sent", zap.String("room", room), zap.String("id", msg.ID), zap.String("hash", msg.Hash))

	// Our own copy may already have come back through the subscription and
	// been recorded there.
	added, err := m.record(msg)
	if err != nil {
		return Message{}, err
	}
	if added {
		if fn := m.handler(); fn != nil {
			fn(msg)
		}
	}
	return msg, nil
}

// GetRoomPeers is a best-effort snapshot of the room's remote subscribers.
func (m *Messenger) GetRoomPeers(ctx context.Context, room string) ([]string, error) {
	if !ValidRoom(room) {
		return nil, fmt.Errorf("bad room key %q: %w", room, errs.ErrValidation)
	}
	return m.transport.Peers(ctx, room)
}

// CreateCourseChat derives the course room and subscribes the instructor.
func (m *Messenger) CreateCourseChat(courseID, instructorID string) (string, error) {
	room, err := CourseRoom(courseID)
	if err != nil {
		return "", err
	}
	if err := m.SubscribeToRoom(room, instructorID); err != nil {
		return "", err
	}
	return room, nil
}

// CreateDirectChat derives the canonical pair room and subscribes to it.
// Argument order does not matter.
func (m *Messenger) CreateDirectChat(userA, userB string) (string, error) {
	room, err := DirectRoom(userA, userB)
	if err != nil {
		return "", err
	}
	if err := m.SubscribeToRoom(room, userA); err != nil {
		return "", err
	}
	return room, nil
}

// GetChatHistory reads up to limit messages of room from the history log,
// oldest first.
func (m *Messenger) GetChatHistory(room string, limit int) ([]Message, error) {
	if !ValidRoom(room) {
		return nil, fmt.Errorf("bad room key %q: %w", room, errs.ErrValidation)
	}
	records, err := m.history.Recent(room, limit)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(records))
	for _, r := range records {
		var msg Message
		if err := json.Unmarshal(r, &msg); err != nil {
			m.log.Warn("skipping unreadable history record", zap.String("room", room), zap.Error(err))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Close cancels every subscription.
func (m *Messenger) Close() error {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*roomSub)
	m.mu.Unlock()

	m.cancel()
	for _, rs := range rooms {
		m.stop(rs)
	}
	return nil
}

func (m *Messenger) record(msg Message) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	added, err := m.history.Append(msg.Room, msg.ID, msg.SentAt, data)
	if err != nil {
		return false, fmt.Errorf("record message: %w", err)
	}
	return added, nil
}

func (m *Messenger) readRoom(ctx context.Context, rs *roomSub) {
	defer close(rs.done)
	for {
		raw, err := rs.sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, pubsub.ErrClosed) && ctx.Err() == nil {
				m.log.Warn("room read failed", zap.String("room", rs.key), zap.Error(err))
			}
			return
		}

		var p payload
		if err := json.Unmarshal(raw.Data, &p); err != nil || p.ID == "" || p.SenderID == "" {
			m.log.Debug("dropping malformed room message", zap.String("room", rs.key), zap.String("from", raw.From))
			continue
		}
		msg := Message{
			ID:         p.ID,
			Room:       rs.key,
			SenderID:   p.SenderID,
			SenderName: p.SenderName,
			Content:    p.Content,
			SentAt:     p.SentAt,
			Hash:       p.Hash,
		}
		added, err := m.record(msg)
		if err != nil {
			m.log.Warn("history append failed", zap.String("room", rs.key), zap.Error(err))
			continue
		}
		if !added {
			continue
		}
		m.chatMetric("received")
		if fn := m.handler(); fn != nil {
			fn(msg)
		}
	}
}

func (m *Messenger) chatMetric(direction string) {
	if m.metrics != nil {
		m.metrics.ChatMessages.WithLabelValues(direction).Inc()
	}
}
