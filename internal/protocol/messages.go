// Package protocol defines the live-session wire format: every frame is an
// Event {event, data, requestId?} carrying one of the payloads below.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/zot/scholar-hub/internal/messenger"
	"github.com/zot/scholar-hub/internal/store"
)

// Event envelope for all WebSocket communications
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Client events
const (
	JoinCollaboration       = "join-collaboration"
	LeaveCollaboration      = "leave-collaboration"
	CollaborationMessage    = "collaboration-message"
	CollaborationTyping     = "collaboration-typing"
	DocumentEdit            = "document-edit"
	DocumentSave            = "document-save"
	DocumentLock            = "document-lock"
	DocumentUnlock          = "document-unlock"
	UserStatus              = "user-status"
	GetOnlineUsers          = "get-online-users"
	GetCollaborationHistory = "get-collaboration-history"

	ChatCourse      = "chat-course"
	ChatDirect      = "chat-direct"
	ChatSubscribe   = "chat-subscribe"
	ChatUnsubscribe = "chat-unsubscribe"
	ChatSend        = "chat-send"
	ChatPeers       = "chat-peers"
	ChatHistory     = "chat-history"
)

// Server events. collaboration-message, collaboration-typing, chat-peers and
// chat-history reuse the client event names.
const (
	Connected            = "connected"
	CollaborationJoined  = "collaboration-joined"
	UserJoined           = "user-joined"
	UserLeft             = "user-left"
	DocumentEdited       = "document-edit"
	DocumentSaved        = "document-saved"
	DocumentLocked       = "document-locked"
	DocumentUnlocked     = "document-unlocked"
	UserStatusUpdated    = "user-status-updated"
	OnlineUsers          = "online-users"
	UserOffline          = "user-offline"
	CollaborationHistory = "collaboration-history"
	ChatRoom             = "chat-room"
	ChatMessage          = "chat-message"
	Error                = "error"
)

// Client request payloads

type CollaborationRequest struct {
	CollaborationID string `json:"collaborationId"`
}

type CollaborationMessageRequest struct {
	CollaborationID string `json:"collaborationId"`
	Content         string `json:"content"`
	Type            string `json:"type,omitempty"`
	ParentID        string `json:"parentId,omitempty"`
}

type TypingRequest struct {
	CollaborationID string `json:"collaborationId"`
	IsTyping        bool   `json:"isTyping"`
}

// DocumentRequest covers edit, save, lock and unlock.
type DocumentRequest struct {
	DocumentID      string          `json:"documentId"`
	CollaborationID string          `json:"collaborationId"`
	Changes         json.RawMessage `json:"changes,omitempty"`
}

type UserStatusRequest struct {
	Status string `json:"status"`
}

type HistoryRequest struct {
	CollaborationID string `json:"collaborationId"`
	Limit           int    `json:"limit,omitempty"`
}

type ChatCourseRequest struct {
	CourseID string `json:"courseId"`
}

type ChatDirectRequest struct {
	UserID string `json:"userId"`
}

type ChatRoomRequest struct {
	Room string `json:"room"`
}

type ChatSendRequest struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

type ChatHistoryRequest struct {
	Room  string `json:"room"`
	Limit int    `json:"limit,omitempty"`
}

// Server event payloads

type ConnectedEvent struct {
	User        store.UserProfile `json:"user"`
	Status      string            `json:"status"`
	ConnectedAt time.Time         `json:"connectedAt"`
}

type CollaborationJoinedEvent struct {
	CollaborationID string `json:"collaborationId"`
}

// PresenceEvent is sent for user-joined and user-left.
type PresenceEvent struct {
	User            store.UserProfile `json:"user"`
	CollaborationID string            `json:"collaborationId"`
	Timestamp       time.Time         `json:"timestamp"`
}

type CollaborationMessageEvent struct {
	Message   store.Message `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

type TypingEvent struct {
	User            store.UserProfile `json:"user"`
	CollaborationID string            `json:"collaborationId"`
	IsTyping        bool              `json:"isTyping"`
	Timestamp       time.Time         `json:"timestamp"`
}

// DocumentEvent is sent for document-edit, -saved, -locked and -unlocked.
type DocumentEvent struct {
	DocumentID      string            `json:"documentId"`
	CollaborationID string            `json:"collaborationId"`
	User            store.UserProfile `json:"user"`
	Changes         json.RawMessage   `json:"changes,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

type UserStatusEvent struct {
	User      store.UserProfile `json:"user"`
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionSnapshot describes one live session.
type SessionSnapshot struct {
	User        store.UserProfile `json:"user"`
	Status      string            `json:"status"`
	ConnectedAt time.Time         `json:"connectedAt"`
}

type OnlineUsersEvent struct {
	Users []SessionSnapshot `json:"users"`
}

type UserOfflineEvent struct {
	User      store.UserProfile `json:"user"`
	Timestamp time.Time         `json:"timestamp"`
}

type CollaborationHistoryEvent struct {
	CollaborationID string          `json:"collaborationId"`
	Messages        []store.Message `json:"messages"`
}

type ChatRoomEvent struct {
	Room string `json:"room"`
}

type ChatMessageEvent struct {
	Room    string            `json:"room"`
	Message messenger.Message `json:"message"`
}

type ChatPeersEvent struct {
	Room  string   `json:"room"`
	Peers []string `json:"peers"`
}

type ChatHistoryEvent struct {
	Room     string              `json:"room"`
	Messages []messenger.Message `json:"messages"`
}

// ErrorEvent reports a rejected action to its sender only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
