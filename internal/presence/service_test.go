package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/scholar-hub/internal/auth"
	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/logging"
	"github.com/zot/scholar-hub/internal/metrics"
	"github.com/zot/scholar-hub/internal/protocol"
	"github.com/zot/scholar-hub/internal/store"
)

const testSecret = "presence-secret"

type fakeConn struct {
	mu     sync.Mutex
	events []*protocol.Event
	closed bool
}

func (c *fakeConn) Send(ev *protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) named(name string) []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Event
	for _, ev := range c.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func decode[T any](t *testing.T, ev *protocol.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

type fixture struct {
	svc     *Service
	st      *store.Store
	metrics *metrics.Metrics
	c42     string
	c2      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	for _, u := range []store.User{
		{ID: "u1", Name: "Ada", Email: "ada@uni.example", Active: true},
		{ID: "u2", Name: "Grace", Email: "grace@uni.example", Active: true},
		{ID: "u3", Name: "Alan", Email: "alan@uni.example", Active: true},
		{ID: "u4", Name: "Gone", Email: "gone@uni.example", Active: false},
	} {
		_, err := st.PutUser(ctx, u)
		require.NoError(t, err)
	}
	c42, err := st.CreateCollaboration(ctx, "C-42", "u1")
	require.NoError(t, err)
	_, err = st.PutMembership(ctx, c42.ID, "u2", "")
	require.NoError(t, err)
	c2, err := st.CreateCollaboration(ctx, "C-2", "u3")
	require.NoError(t, err)

	m := metrics.New()
	verifier := auth.NewVerifier(testSecret, "", "", 0)
	return &fixture{
		svc:     NewService(st, verifier, logging.Verbose{}, m),
		st:      st,
		metrics: m,
		c42:     c42.ID,
		c2:      c2.ID,
	}
}

func token(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) connect(t *testing.T, userID string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := f.svc.Authenticate(context.Background(), conn, token(t, userID, time.Hour))
	require.NoError(t, err)
	return s, conn
}

func TestAuthenticateSendsConnected(t *testing.T) {
	f := newFixture(t)
	_, conn := f.connect(t, "u1")

	connected := conn.named(protocol.Connected)
	require.Len(t, connected, 1)
	payload := decode[protocol.ConnectedEvent](t, connected[0])
	assert.Equal(t, "u1", payload.User.ID)
	assert.Equal(t, StatusOnline, payload.Status)
}

func TestAuthenticationFailuresCreateNoSession(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"expired":  token(t, "u1", -time.Hour),
		"unknown":  token(t, "nobody", time.Hour),
		"inactive": token(t, "u4", time.Hour),
		"garbage":  "abc",
	}
	for name, tok := range cases {
		conn := &fakeConn{}
		_, err := f.svc.Authenticate(context.Background(), conn, tok)
		assert.ErrorIs(t, err, errs.ErrAuthentication, name)
		assert.Empty(t, conn.named(protocol.Connected), name)
	}
	assert.Empty(t, f.svc.OnlineUsers())
}

func TestJoinRequiresMembership(t *testing.T) {
	f := newFixture(t)
	s3, conn3 := f.connect(t, "u3")

	err := f.svc.JoinCollaboration(context.Background(), s3, f.c42)
	assert.ErrorIs(t, err, errs.ErrAuthorization)
	assert.Empty(t, f.svc.Members(f.c42))
	assert.Empty(t, conn3.named(protocol.CollaborationJoined))

	require.NoError(t, f.svc.JoinCollaboration(context.Background(), s3, f.c2))
	assert.Equal(t, []string{"u3"}, f.svc.Members(f.c2))
	assert.Len(t, conn3.named(protocol.CollaborationJoined), 1)
}

func TestJoinNotifiesOthersOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1, conn1 := f.connect(t, "u1")
	s2, conn2 := f.connect(t, "u2")

	require.NoError(t, f.svc.JoinCollaboration(ctx, s1, f.c42))
	require.NoError(t, f.svc.JoinCollaboration(ctx, s2, f.c42))
	require.NoError(t, f.svc.JoinCollaboration(ctx, s2, f.c42))

	joined := conn1.named(protocol.UserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "u2", decode[protocol.PresenceEvent](t, joined[0]).User.ID)
	assert.Empty(t, conn2.named(protocol.UserJoined))
	assert.Equal(t, []string{"u1", "u2"}, f.svc.Members(f.c42))
}

func TestCollaborationMessageReachesMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1, conn1 := f.connect(t, "u1")
	s2, conn2 := f.connect(t, "u2")
	s3, conn3 := f.connect(t, "u3")
	require.NoError(t, f.svc.JoinCollaboration(ctx, s1, f.c42))
	require.NoError(t, f.svc.JoinCollaboration(ctx, s2, f.c42))
	require.NoError(t, f.svc.JoinCollaboration(ctx, s3, f.c2))

	_, err := f.svc.SendCollaborationMessage(ctx, s1, protocol.CollaborationMessageRequest{
		CollaborationID: f.c42, Content: "hi", Type: "text",
	})
	require.NoError(t, err)

	got := conn2.named(protocol.CollaborationMessage)
	require.Len(t, got, 1)
	payload := decode[protocol.CollaborationMessageEvent](t, got[0])
	assert.Equal(t, "hi", payload.Message.Content)
	assert.Equal(t, "u1", payload.Message.Sender.ID)
	assert.Equal(t, "Ada", payload.Message.Sender.Name)

	// The sender sees its own message; a member of another room never does.
	assert.Len(t, conn1.named(protocol.CollaborationMessage), 1)
	assert.Empty(t, conn3.named(protocol.CollaborationMessage))

	// Every delivered message can be read back from history.
	history, err := f.st.ListMessages(ctx, f.c42, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, payload.Message.ID, history[0].ID)
}

func TestNonMemberCannotSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s3, _ := f.connect(t, "u3")
	s1, conn1 := f.connect(t, "u1")
	require.NoError(t, f.svc.JoinCollaboration(ctx, s1, f.c42))

	_, err := f.svc.SendCollaborationMessage(ctx, s3, protocol.CollaborationMessageRequest{CollaborationID: f.c42, Content: "spam"})
	assert.ErrorIs(t, err, errs.ErrAuthorization)
	assert.Empty(t, conn1.named(protocol.CollaborationMessage))

	_, err = f.svc.SendCollaborationMessage(ctx, s1, protocol.CollaborationMessageRequest{CollaborationID: f.c42, Content: " "})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestMembershipRevocationTakesEffectOnNextMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s2, _ := f.connect(t, "u2")
	require.NoError(t, f.svc.JoinCollaboration(ctx, s2, f.c42))
	require.NoError(t, f.st.RemoveMembership(ctx, f.c42, "u2"))

	_, err := f.svc.SendCollaborationMessage(ctx, s2, protocol.CollaborationMessageRequest{CollaborationID: f.c42, Content: "still here?"})
	assert.ErrorIs(t, err, errs.ErrAuthorization)
}

type failingMessages struct {
	*store.Store
}

func (failingMessages) CreateMessage(context.Context, store.NewMessage) (*store.Message, error) {
	return nil, errors.New("disk full")
}

func TestPersistenceFailureDeliversNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(failingMessages{f.st}, auth.NewVerifier(testSecret, "", "", 0), logging.Verbose{}, nil)

	c1, c2 := &fakeConn{}, &fakeConn{}
	s1, err := svc.Authenticate(ctx, c1, token(t, "u1", time.Hour))
	require.NoError(t, err)
	s2, err := svc.Authenticate(ctx, c2, token(t, "u2", time.Hour))
	require.NoError(t, err)
	require.NoError(t, svc.JoinCollaboration(ctx, s1, f.c42))
	require.NoError(t, svc.JoinCollaboration(ctx, s2, f.c42))

	_, err = svc.SendCollaborationMessage(ctx, s1, protocol.CollaborationMessageRequest{CollaborationID: f.c42, Content: "lost"})
	require.Error(t, err)
	assert.Empty(t, c1.named(protocol.CollaborationMessage))
	assert.Empty(t, c2.named(protocol.CollaborationMessage))
}

func TestTypingAndDocumentEventsGoToOtherMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1, conn1 := f.connect(t, "u1")
	s2, conn2 := f.connect(t, "u2")
	s3, _ := f.connect(t, "u3")
	require.NoError(t, f.svc.JoinCollaboration(ctx, s1, f.c42))
	require.NoError(t, f.svc.JoinCollaboration(ctx, s2, f.c42))

	require.NoError(t, f.svc.Typing(s1, f.c42, true))
	typing := conn2.named(protocol.CollaborationTyping)
	require.Len(t, typing, 1)
	assert.True(t, decode[protocol.TypingEvent](t, typing[0]).IsTyping)
	assert.Empty(t, conn1.named(protocol.CollaborationTyping))

	assert.ErrorIs(t, f.svc.Typing(s3, f.c42, true), errs.ErrAuthorization)

	// Locks are advisory: both competing locks are relayed in order.
	doc := protocol.DocumentRequest{DocumentID: "d1", CollaborationID: f.c42}
	require.NoError(t, f.svc.DocumentAction(s1, protocol.DocumentLock, doc))
	require.NoError(t, f.svc.DocumentAction(s2, protocol.DocumentLock, doc))
	assert.Len(t, conn2.named(protocol.DocumentLocked), 1)
	assert.Len(t, conn1.named(protocol.DocumentLocked), 1)
	locked := decode[protocol.DocumentEvent](t, conn1.named(protocol.DocumentLocked)[0])
	assert.Equal(t, "u2", locked.User.ID)

	doc.Changes = json.RawMessage(`{"ops":[1]}`)
	require.NoError(t, f.svc.DocumentAction(s1, protocol.DocumentEdit, doc))
	edits := conn2.named(protocol.DocumentEdited)
	require.Len(t, edits, 1)
	assert.JSONEq(t, `{"ops":[1]}`, string(decode[protocol.DocumentEvent](t, edits[0]).Changes))

	assert.ErrorIs(t, f.svc.DocumentAction(s1, "document-delete", doc), errs.ErrValidation)
	assert.ErrorIs(t, f.svc.DocumentAction(s1, protocol.DocumentSave, protocol.DocumentRequest{CollaborationID: f.c42}), errs.ErrValidation)
}

func TestUserStatusIsGlobal(t *testing.T) {
	f := newFixture(t)
	s1, conn1 := f.connect(t, "u1")
	_, conn3 := f.connect(t, "u3")

	require.NoError(t, f.svc.UpdateUserStatus(s1, "away"))
	for _, conn := range []*fakeConn{conn1, conn3} {
		updates := conn.named(protocol.UserStatusUpdated)
		require.Len(t, updates, 1)
		assert.Equal(t, "away", decode[protocol.UserStatusEvent](t, updates[0]).Status)
	}
	users := f.svc.OnlineUsers()
	require.Len(t, users, 2)
	assert.Equal(t, "away", users[0].Status)

	assert.ErrorIs(t, f.svc.UpdateUserStatus(s1, ""), errs.ErrValidation)
}

func TestDisconnectCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1, _ := f.connect(t, "u1")
	s2, conn2 := f.connect(t, "u2")
	_, conn3 := f.connect(t, "u3")
	require.NoError(t, f.svc.JoinCollaboration(ctx, s1, f.c42))
	require.NoError(t, f.svc.JoinCollaboration(ctx, s2, f.c42))

	f.svc.Disconnect(s1)
	f.svc.Disconnect(s1)

	for _, u := range f.svc.OnlineUsers() {
		assert.NotEqual(t, "u1", u.User.ID)
	}
	assert.Equal(t, []string{"u2"}, f.svc.Members(f.c42))

	left := conn2.named(protocol.UserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "u1", decode[protocol.PresenceEvent](t, left[0]).User.ID)
	assert.Empty(t, conn3.named(protocol.UserLeft))

	assert.Len(t, conn2.named(protocol.UserOffline), 1)
	assert.Len(t, conn3.named(protocol.UserOffline), 1)
}

func TestSecondConnectionReplacesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old, oldConn := f.connect(t, "u1")
	s2, conn2 := f.connect(t, "u2")
	require.NoError(t, f.svc.JoinCollaboration(ctx, old, f.c42))
	require.NoError(t, f.svc.JoinCollaboration(ctx, s2, f.c42))
	conn2.reset()

	fresh, freshConn := f.connect(t, "u1")

	errsSent := oldConn.named(protocol.Error)
	require.Len(t, errsSent, 1)
	assert.Equal(t, errs.CodeSessionReplaced, decode[protocol.ErrorEvent](t, errsSent[0]).Code)
	assert.True(t, oldConn.closed)
	assert.Len(t, freshConn.named(protocol.Connected), 1)

	assert.Len(t, conn2.named(protocol.UserLeft), 1)
	assert.Empty(t, conn2.named(protocol.UserOffline))
	assert.Equal(t, []string{"u2"}, f.svc.Members(f.c42))

	// The replaced connection's teardown must not evict the new session.
	f.svc.Disconnect(old)
	current, ok := f.svc.Current("u1")
	require.True(t, ok)
	assert.Same(t, fresh, current)
	assert.Empty(t, conn2.named(protocol.UserOffline))
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1, conn1 := f.connect(t, "u1")

	join := &protocol.Event{Event: protocol.JoinCollaboration, Data: json.RawMessage(`{"collaborationId":"` + f.c42 + `"}`)}
	require.NoError(t, f.svc.Dispatch(ctx, s1, join))
	assert.Equal(t, []string{"u1"}, f.svc.Members(f.c42))

	send := &protocol.Event{Event: protocol.CollaborationMessage, Data: json.RawMessage(`{"collaborationId":"` + f.c42 + `","content":"hello"}`)}
	require.NoError(t, f.svc.Dispatch(ctx, s1, send))

	hist := &protocol.Event{Event: protocol.GetCollaborationHistory, RequestID: "h1", Data: json.RawMessage(`{"collaborationId":"` + f.c42 + `"}`)}
	require.NoError(t, f.svc.Dispatch(ctx, s1, hist))
	replies := conn1.named(protocol.CollaborationHistory)
	require.Len(t, replies, 1)
	assert.Equal(t, "h1", replies[0].RequestID)
	assert.Len(t, decode[protocol.CollaborationHistoryEvent](t, replies[0]).Messages, 1)

	require.NoError(t, f.svc.Dispatch(ctx, s1, &protocol.Event{Event: protocol.GetOnlineUsers}))
	online := conn1.named(protocol.OnlineUsers)
	require.Len(t, online, 1)
	assert.Len(t, decode[protocol.OnlineUsersEvent](t, online[0]).Users, 1)

	assert.ErrorIs(t, f.svc.Dispatch(ctx, s1, &protocol.Event{Event: "teleport"}), errs.ErrValidation)
	assert.ErrorIs(t, f.svc.Dispatch(ctx, s1, &protocol.Event{Event: protocol.JoinCollaboration}), errs.ErrValidation)

	leave := &protocol.Event{Event: protocol.LeaveCollaboration, Data: json.RawMessage(`{"collaborationId":"` + f.c42 + `"}`)}
	require.NoError(t, f.svc.Dispatch(ctx, s1, leave))
	assert.Empty(t, f.svc.Members(f.c42))
}
