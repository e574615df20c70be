// Package presence owns the live session table and collaboration room
// membership, and performs every room-scoped broadcast.
//
// All mutations of the two maps happen under one mutex, and every broadcast
// is queued to its recipients while that mutex is held, so recipients of a
// room observe that room's events in the order they were emitted. Calls into
// the user, membership and message stores are made without the mutex; state
// is re-validated once it is reacquired.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/auth"
	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/logging"
	"github.com/zot/scholar-hub/internal/metrics"
	"github.com/zot/scholar-hub/internal/protocol"
	"github.com/zot/scholar-hub/internal/store"
)

// StatusOnline is the status of a freshly authenticated session.
const StatusOnline = "online"

const maxStatusLength = 32

// Users resolves user records. A nil user means no such user.
type Users interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Memberships resolves collaboration membership. A nil membership means
// the user is not a member.
type Memberships interface {
	GetMembership(ctx context.Context, userID, collaborationID string) (*store.Membership, error)
}

// Messages persists collaboration messages.
type Messages interface {
	CreateMessage(ctx context.Context, in store.NewMessage) (*store.Message, error)
	ListMessages(ctx context.Context, collaborationID string, limit int) ([]store.Message, error)
}

// Store is the full set of persisted collaborators.
type Store interface {
	Users
	Memberships
	Messages
}

// Conn is the outbound side of a live connection. Send must not block; it
// reports false when the event could not be queued.
type Conn interface {
	Send(ev *protocol.Event) bool
	Close()
}

// Session is one authenticated connection.
type Session struct {
	UserID      string
	User        store.UserProfile
	ConnectedAt time.Time
	conn        Conn

	// guarded by Service.mu
	status string
	rooms  map[string]bool
}

// Send queues an event to this session only.
func (s *Session) Send(ev *protocol.Event) bool {
	return s.conn.Send(ev)
}

// Service is the presence and collaboration broadcast service for one
// process. It does not coordinate with other instances.
type Service struct {
	store    Store
	verifier *auth.Verifier
	log      logging.Verbose
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]map[string]bool
}

func NewService(st Store, verifier *auth.Verifier, log logging.Verbose, m *metrics.Metrics) *Service {
	if log.Log == nil {
		log.Log = zap.NewNop()
	}
	return &Service{
		store:    st,
		verifier: verifier,
		log:      log,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]bool),
	}
}

// Authenticate verifies token, resolves an active user and installs a new
// session for conn. A previous session of the same user is replaced: it
// leaves its rooms, is told why and is closed. Nothing is mutated when
// authentication fails.
func (svc *Service) Authenticate(ctx context.Context, conn Conn, token string) (*Session, error) {
	claims, err := svc.verifier.Verify(token)
	if err != nil {
		svc.authFailed(err)
		return nil, err
	}
	user, err := svc.store.GetUser(ctx, claims.User())
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	if user == nil || !user.Active {
		err := fmt.Errorf("user %s missing or inactive: %w", claims.User(), errs.ErrAuthentication)
		svc.authFailed(err)
		return nil, err
	}

	s := &Session{
		UserID:      user.ID,
		User:        user.Profile(),
		ConnectedAt: svc.now().UTC(),
		conn:        conn,
		status:      StatusOnline,
		rooms:       make(map[string]bool),
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if old, ok := svc.sessions[user.ID]; ok {
		svc.releaseRoomsLocked(old)
		old.Send(protocol.NewErrorCode(errs.CodeSessionReplaced, "signed in from another connection"))
		old.conn.Close()
		svc.log.At(logging.LevelLifecycle, "session replaced", zap.String("user", user.ID))
	}
	svc.sessions[user.ID] = s
	svc.sessionGauge()
	s.Send(protocol.New(protocol.Connected, protocol.ConnectedEvent{
		User:        s.User,
		Status:      s.status,
		ConnectedAt: s.ConnectedAt,
	}))
	svc.log.At(logging.LevelLifecycle, "session connected", zap.String("user", user.ID))
	return s, nil
}

// JoinCollaboration admits the session to a collaboration room if the
// persisted membership exists, telling the other members.
func (svc *Service) JoinCollaboration(ctx context.Context, s *Session, collaborationID string) error {
	if err := svc.checkMember(ctx, s, collaborationID); err != nil {
		return err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.liveLocked(s) {
		return fmt.Errorf("session closed: %w", errs.ErrAuthentication)
	}
	members := svc.rooms[collaborationID]
	if members == nil {
		members = make(map[string]bool)
		svc.rooms[collaborationID] = members
	}
	if !members[s.UserID] {
		svc.broadcastLocked(collaborationID, s.UserID, protocol.New(protocol.UserJoined, protocol.PresenceEvent{
			User:            s.User,
			CollaborationID: collaborationID,
			Timestamp:       svc.now().UTC(),
		}))
		members[s.UserID] = true
		s.rooms[collaborationID] = true
		svc.log.At(logging.LevelLifecycle, "joined collaboration", zap.String("user", s.UserID), zap.String("collaboration", collaborationID))
	}
	s.Send(protocol.New(protocol.CollaborationJoined, protocol.CollaborationJoinedEvent{CollaborationID: collaborationID}))
	return nil
}

// LeaveCollaboration removes the session from a room. Idempotent.
func (svc *Service) LeaveCollaboration(s *Session, collaborationID string) error {
	if strings.TrimSpace(collaborationID) == "" {
		return fmt.Errorf("collaborationId required: %w", errs.ErrValidation)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !s.rooms[collaborationID] {
		return nil
	}
	svc.leaveLocked(s, collaborationID)
	svc.log.At(logging.LevelLifecycle, "left collaboration", zap.String("user", s.UserID), zap.String("collaboration", collaborationID))
	return nil
}

// SendCollaborationMessage persists the message and only then broadcasts
// the stored record to every room member, sender included. A persistence
// failure delivers nothing.
func (svc *Service) SendCollaborationMessage(ctx context.Context, s *Session, req protocol.CollaborationMessageRequest) (*store.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content required: %w", errs.ErrValidation)
	}
	if err := svc.checkMember(ctx, s, req.CollaborationID); err != nil {
		return nil, err
	}
	msg, err := svc.store.CreateMessage(ctx, store.NewMessage{
		CollaborationID: req.CollaborationID,
		SenderID:        s.UserID,
		Content:         req.Content,
		Type:            req.Type,
		ParentID:        req.ParentID,
	})
	if err != nil {
		return nil, err
	}

	ev := protocol.New(protocol.CollaborationMessage, protocol.CollaborationMessageEvent{
		Message:   *msg,
		Timestamp: svc.now().UTC(),
	})
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.broadcastLocked(req.CollaborationID, s.UserID, ev)
	if svc.liveLocked(s) {
		s.Send(ev)
		svc.countBroadcast(ev)
	}
	return msg, nil
}

// Typing tells the other room members that the session is (not) typing.
func (svc *Service) Typing(s *Session, collaborationID string, isTyping bool) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if err := svc.joinedLocked(s, collaborationID); err != nil {
		return err
	}
	svc.broadcastLocked(collaborationID, s.UserID, protocol.New(protocol.CollaborationTyping, protocol.TypingEvent{
		User:            s.User,
		CollaborationID: collaborationID,
		IsTyping:        isTyping,
		Timestamp:       svc.now().UTC(),
	}))
	return nil
}

// documentEvents maps client document actions to the event observers receive.
var documentEvents = map[string]string{
	protocol.DocumentEdit:   protocol.DocumentEdited,
	protocol.DocumentSave:   protocol.DocumentSaved,
	protocol.DocumentLock:   protocol.DocumentLocked,
	protocol.DocumentUnlock: protocol.DocumentUnlocked,
}

// DocumentAction relays a document edit, save, lock or unlock to the other
// room members. Locks are advisory: the service keeps no lock state, so
// competing locks are all relayed in arrival order.
func (svc *Service) DocumentAction(s *Session, action string, req protocol.DocumentRequest) error {
	event, ok := documentEvents[action]
	if !ok {
		return fmt.Errorf("unknown document action %q: %w", action, errs.ErrValidation)
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		return fmt.Errorf("documentId required: %w", errs.ErrValidation)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if err := svc.joinedLocked(s, req.CollaborationID); err != nil {
		return err
	}
	svc.broadcastLocked(req.CollaborationID, s.UserID, protocol.New(event, protocol.DocumentEvent{
		DocumentID:      req.DocumentID,
		CollaborationID: req.CollaborationID,
		User:            s.User,
		Changes:         req.Changes,
		Timestamp:       svc.now().UTC(),
	}))
	return nil
}

// UpdateUserStatus sets the session status and tells every connected user.
func (svc *Service) UpdateUserStatus(s *Session, status string) error {
	status = strings.TrimSpace(status)
	if status == "" || len(status) > maxStatusLength {
		return fmt.Errorf("status must be 1-%d characters: %w", maxStatusLength, errs.ErrValidation)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.liveLocked(s) {
		return fmt.Errorf("session closed: %w", errs.ErrAuthentication)
	}
	s.status = status
	ev := protocol.New(protocol.UserStatusUpdated, protocol.UserStatusEvent{
		User:      s.User,
		Status:    status,
		Timestamp: svc.now().UTC(),
	})
	for _, other := range svc.sessions {
		other.Send(ev)
		svc.countBroadcast(ev)
	}
	return nil
}

// OnlineUsers snapshots the session table, ordered by user id.
func (svc *Service) OnlineUsers() []protocol.SessionSnapshot {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	out := make([]protocol.SessionSnapshot, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		out = append(out, protocol.SessionSnapshot{User: s.User, Status: s.status, ConnectedAt: s.ConnectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

// Members lists the user ids currently joined to a collaboration room.
func (svc *Service) Members(collaborationID string) []string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	out := make([]string, 0, len(svc.rooms[collaborationID]))
	for id := range svc.rooms[collaborationID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CollaborationHistory returns persisted messages to a member.
func (svc *Service) CollaborationHistory(ctx context.Context, s *Session, collaborationID string, limit int) ([]store.Message, error) {
	if err := svc.checkMember(ctx, s, collaborationID); err != nil {
		return nil, err
	}
	return svc.store.ListMessages(ctx, collaborationID, limit)
}

// Disconnect removes the session, tells each of its rooms the user left and
// then tells everyone the user is offline. A session that was already
// replaced or removed is ignored.
func (svc *Service) Disconnect(s *Session) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.liveLocked(s) {
		return
	}
	delete(svc.sessions, s.UserID)
	svc.releaseRoomsLocked(s)
	ev := protocol.New(protocol.UserOffline, protocol.UserOfflineEvent{User: s.User, Timestamp: svc.now().UTC()})
	for _, other := range svc.sessions {
		other.Send(ev)
		svc.countBroadcast(ev)
	}
	svc.sessionGauge()
	svc.log.At(logging.LevelLifecycle, "session disconnected", zap.String("user", s.UserID))
}

// Shutdown closes every session without broadcasting.
func (svc *Service) Shutdown() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	for _, s := range svc.sessions {
		s.conn.Close()
	}
	svc.sessions = make(map[string]*Session)
	svc.rooms = make(map[string]map[string]bool)
	svc.sessionGauge()
}

// Current returns the live session of userID, if any.
func (svc *Service) Current(userID string) (*Session, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, ok := svc.sessions[userID]
	return s, ok
}

// checkMember consults the persisted membership table. Called without the mutex.
func (svc *Service) checkMember(ctx context.Context, s *Session, collaborationID string) error {
	if strings.TrimSpace(collaborationID) == "" {
		return fmt.Errorf("collaborationId required: %w", errs.ErrValidation)
	}
	m, err := svc.store.GetMembership(ctx, s.UserID, collaborationID)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if m == nil {
		return fmt.Errorf("user %s is not a member of %s: %w", s.UserID, collaborationID, errs.ErrAuthorization)
	}
	return nil
}

func (svc *Service) joinedLocked(s *Session, collaborationID string) error {
	if strings.TrimSpace(collaborationID) == "" {
		return fmt.Errorf("collaborationId required: %w", errs.ErrValidation)
	}
	if !s.rooms[collaborationID] {
		return fmt.Errorf("not joined to %s: %w", collaborationID, errs.ErrAuthorization)
	}
	return nil
}

func (svc *Service) liveLocked(s *Session) bool {
	return svc.sessions[s.UserID] == s
}

// broadcastLocked queues ev to every member of the room except skip.
func (svc *Service) broadcastLocked(collaborationID, skip string, ev *protocol.Event) {
	for userID := range svc.rooms[collaborationID] {
		if userID == skip {
			continue
		}
		if member, ok := svc.sessions[userID]; ok {
			if !member.Send(ev) {
				svc.log.Log.Warn("dropping event for slow session", zap.String("user", userID), zap.String("event", ev.Event))
			}
			svc.countBroadcast(ev)
		}
	}
}

func (svc *Service) leaveLocked(s *Session, collaborationID string) {
	delete(s.rooms, collaborationID)
	members := svc.rooms[collaborationID]
	delete(members, s.UserID)
	if len(members) == 0 {
		delete(svc.rooms, collaborationID)
	}
	svc.broadcastLocked(collaborationID, s.UserID, protocol.New(protocol.UserLeft, protocol.PresenceEvent{
		User:            s.User,
		CollaborationID: collaborationID,
		Timestamp:       svc.now().UTC(),
	}))
}

func (svc *Service) releaseRoomsLocked(s *Session) {
	for collaborationID := range s.rooms {
		svc.leaveLocked(s, collaborationID)
	}
}

func (svc *Service) authFailed(err error) {
	svc.log.At(logging.LevelLifecycle, "authentication failed", zap.Error(err))
	if svc.metrics != nil {
		svc.metrics.AuthFailures.Inc()
	}
}

func (svc *Service) countBroadcast(ev *protocol.Event) {
	if svc.metrics != nil {
		svc.metrics.Broadcasts.WithLabelValues(ev.Event).Inc()
	}
}

func (svc *Service) sessionGauge() {
	if svc.metrics != nil {
		svc.metrics.Sessions.Set(float64(len(svc.sessions)))
	}
}
