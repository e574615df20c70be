package server

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/messenger"
	"github.com/zot/scholar-hub/internal/metrics"
	"github.com/zot/scholar-hub/internal/protocol"
)

// chatBridge exposes the messenger's rooms over live sessions. A room's
// topic stays subscribed while at least one connection listens to it.
type chatBridge struct {
	messenger *messenger.Messenger
	log       *zap.Logger
	metrics   *metrics.Metrics

	// subMu serializes subscribe and unsubscribe against the listener map.
	// The relay path only takes mu, so it can run while subMu is held.
	subMu sync.Mutex
	mu    sync.Mutex
	rooms map[string]map[*WSConnection]bool
}

func newChatBridge(m *messenger.Messenger, log *zap.Logger, met *metrics.Metrics) *chatBridge {
	b := &chatBridge{
		messenger: m,
		log:       log,
		metrics:   met,
		rooms:     make(map[string]map[*WSConnection]bool),
	}
	if m != nil {
		m.SetMessageHandler(b.relay)
	}
	return b
}

// relay delivers a newly recorded message to every listener of its room.
func (b *chatBridge) relay(msg messenger.Message) {
	ev := protocol.New(protocol.ChatMessage, protocol.ChatMessageEvent{Room: msg.Room, Message: msg})
	b.mu.Lock()
	defer b.mu.Unlock()
	for ws := range b.rooms[msg.Room] {
		if !ws.Send(ev) {
			b.log.Warn("dropping chat message for slow session", zap.String("user", ws.userID()), zap.String("room", msg.Room))
		}
		if b.metrics != nil {
			b.metrics.Broadcasts.WithLabelValues(ev.Event).Inc()
		}
	}
}

func isChatEvent(name string) bool {
	return strings.HasPrefix(name, "chat-")
}

func (b *chatBridge) handle(ctx context.Context, ws *WSConnection, ev *protocol.Event) error {
	if b.metrics != nil {
		b.metrics.Events.WithLabelValues(ev.Event).Inc()
	}
	if b.messenger == nil {
		return fmt.Errorf("chat is not configured: %w", errs.ErrStorageUnavailable)
	}
	userID := ws.session.UserID

	switch ev.Event {
	case protocol.ChatCourse:
		var req protocol.ChatCourseRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		return b.open(ws, ev, func() (string, error) {
			return b.messenger.CreateCourseChat(req.CourseID, userID)
		})

	case protocol.ChatDirect:
		var req protocol.ChatDirectRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		if req.UserID == userID {
			return fmt.Errorf("direct chat needs another user: %w", errs.ErrValidation)
		}
		return b.open(ws, ev, func() (string, error) {
			return b.messenger.CreateDirectChat(userID, req.UserID)
		})

	case protocol.ChatSubscribe:
		var req protocol.ChatRoomRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		if err := mayListen(userID, req.Room); err != nil {
			return err
		}
		return b.open(ws, ev, func() (string, error) {
			return req.Room, b.messenger.SubscribeToRoom(req.Room, userID)
		})

	case protocol.ChatUnsubscribe:
		var req protocol.ChatRoomRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		return b.leave(ws, req.Room)

	case protocol.ChatSend:
		var req protocol.ChatSendRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		if err := b.listening(ws, req.Room); err != nil {
			return err
		}
		_, err := b.messenger.SendMessage(ctx, req.Room, userID, ws.session.User.Name, req.Content)
		return err

	case protocol.ChatPeers:
		var req protocol.ChatRoomRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		if err := b.listening(ws, req.Room); err != nil {
			return err
		}
		peers, err := b.messenger.GetRoomPeers(ctx, req.Room)
		if err != nil {
			return err
		}
		if peers == nil {
			peers = []string{}
		}
		ws.Send(protocol.Reply(ev, protocol.ChatPeers, protocol.ChatPeersEvent{Room: req.Room, Peers: peers}))
		return nil

	case protocol.ChatHistory:
		var req protocol.ChatHistoryRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		if err := mayListen(userID, req.Room); err != nil {
			return err
		}
		messages, err := b.messenger.GetChatHistory(req.Room, req.Limit)
		if err != nil {
			return err
		}
		ws.Send(protocol.Reply(ev, protocol.ChatHistory, protocol.ChatHistoryEvent{Room: req.Room, Messages: messages}))
		return nil

	default:
		return fmt.Errorf("unknown event %q: %w", ev.Event, errs.ErrValidation)
	}
}

// mayListen checks a room key and, for direct rooms, that userID is one of
// the two participants. Course rooms are open to any session.
func mayListen(userID, room string) error {
	if !messenger.ValidRoom(room) {
		return fmt.Errorf("bad room key %q: %w", room, errs.ErrValidation)
	}
	if a, b, ok := messenger.DirectParticipants(room); ok && userID != a && userID != b {
		return fmt.Errorf("%s is not a participant of %s: %w", userID, room, errs.ErrAuthorization)
	}
	return nil
}

// open runs subscribe, which derives and subscribes a room, registers ws
// as a listener and answers with chat-room.
func (b *chatBridge) open(ws *WSConnection, req *protocol.Event, subscribe func() (string, error)) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	room, err := subscribe()
	if err != nil {
		return err
	}
	b.mu.Lock()
	listeners := b.rooms[room]
	if listeners == nil {
		listeners = make(map[*WSConnection]bool)
		b.rooms[room] = listeners
	}
	listeners[ws] = true
	b.mu.Unlock()

	ws.Send(protocol.Reply(req, protocol.ChatRoom, protocol.ChatRoomEvent{Room: room}))
	return nil
}

func (b *chatBridge) listening(ws *WSConnection, room string) error {
	if !messenger.ValidRoom(room) {
		return fmt.Errorf("bad room key %q: %w", room, errs.ErrValidation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.rooms[room][ws] {
		return fmt.Errorf("not listening to %s: %w", room, errs.ErrAuthorization)
	}
	return nil
}

// leave removes ws from room, dropping the topic when nobody is left.
func (b *chatBridge) leave(ws *WSConnection, room string) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.removeListener(ws, room) {
		return b.messenger.UnsubscribeFromRoom(room)
	}
	return nil
}

// detach removes ws from every room it listens to.
func (b *chatBridge) detach(ws *WSConnection) {
	if b.messenger == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	var rooms []string
	for room, listeners := range b.rooms {
		if listeners[ws] {
			rooms = append(rooms, room)
		}
	}
	b.mu.Unlock()

	for _, room := range rooms {
		if b.removeListener(ws, room) {
			if err := b.messenger.UnsubscribeFromRoom(room); err != nil {
				b.log.Warn("failed to unsubscribe room", zap.String("room", room), zap.Error(err))
			}
		}
	}
}

// removeListener reports whether room has no listeners left.
func (b *chatBridge) removeListener(ws *WSConnection, room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	listeners, ok := b.rooms[room]
	if !ok || !listeners[ws] {
		return false
	}
	delete(listeners, ws)
	if len(listeners) == 0 {
		delete(b.rooms, room)
		return true
	}
	return false
}
