package messenger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/scholar-hub/internal/contentstore"
	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/history"
	"github.com/zot/scholar-hub/internal/pubsub"
)

type testNode struct {
	m        *Messenger
	received chan Message
	daemon   *contentstore.MemoryDaemon
}

func newNode(t *testing.T, bus *pubsub.MemoryBus, id string) *testNode {
	t.Helper()
	daemon := contentstore.NewMemoryDaemon()
	content := contentstore.NewClient(daemon, "http://gw", nil, nil)
	require.NoError(t, content.Initialize(context.Background()))
	hist, err := history.Open(id, history.InMemory())
	require.NoError(t, err)

	n := &testNode{
		m:        New(bus.Node(id), content, hist, nil, nil),
		received: make(chan Message, 16),
		daemon:   daemon,
	}
	n.m.SetMessageHandler(func(msg Message) { n.received <- msg })
	t.Cleanup(func() {
		n.m.Close()
		hist.Close()
	})
	return n
}

func (n *testNode) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-n.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func TestDirectRoomIsSymmetric(t *testing.T) {
	ab, err := DirectRoom("u1", "u2")
	require.NoError(t, err)
	ba, err := DirectRoom("u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, "dm:u1:u2", ab)
	assert.Equal(t, ab, ba)

	a, b, ok := DirectParticipants(ab)
	assert.True(t, ok)
	assert.Equal(t, []string{"u1", "u2"}, []string{a, b})

	_, err = DirectRoom("", "u2")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.False(t, ValidRoom("lobby"))
	assert.True(t, ValidRoom("course:c1"))
	assert.False(t, ValidRoom("course:"))
}

func TestDirectRoomKeysDoNotCollide(t *testing.T) {
	_, err := DirectRoom("a:b", "c")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = DirectRoom("a", "b:c")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, _, ok := DirectParticipants("dm:a:b:c")
	assert.False(t, ok, "a key with three ids names no pair")
	assert.False(t, ValidRoom("dm:a:b:c"))
	assert.False(t, ValidRoom("dm:a:"))
}

func TestCreateDirectChatIgnoresArgumentOrder(t *testing.T) {
	n := newNode(t, pubsub.NewMemoryBus(), "peer-a")

	first, err := n.m.CreateDirectChat("u1", "u2")
	require.NoError(t, err)
	second, err := n.m.CreateDirectChat("u2", "u1")
	require.NoError(t, err)

	assert.Equal(t, "dm:u1:u2", first)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"dm:u1:u2"}, n.m.Rooms())
}

func TestMessagesFlowBetweenNodes(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemoryBus()
	a := newNode(t, bus, "peer-a")
	b := newNode(t, bus, "peer-b")

	room, err := a.m.CreateCourseChat("c1", "prof")
	require.NoError(t, err)
	require.NoError(t, b.m.SubscribeToRoom(room, "student"))

	sent, err := a.m.SendMessage(ctx, room, "prof", "Prof. Ada", "welcome")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.Hash)

	// Local delivery happens once, not again when the topic echoes it.
	assert.Equal(t, sent.ID, a.next(t).ID)
	got := b.next(t)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "welcome", got.Content)
	assert.Equal(t, "Prof. Ada", got.SenderName)
	assert.Equal(t, room, got.Room)
	select {
	case extra := <-a.received:
		t.Fatalf("duplicate local delivery: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	histA, err := a.m.GetChatHistory(room, 10)
	require.NoError(t, err)
	histB, err := b.m.GetChatHistory(room, 10)
	require.NoError(t, err)
	require.Len(t, histA, 1)
	require.Len(t, histB, 1)
	assert.Equal(t, sent.ID, histB[0].ID)

	peers, err := a.m.GetRoomPeers(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"peer-b"}, peers)
}

func TestSentMessagesArePinnedEnvelopes(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, pubsub.NewMemoryBus(), "peer-a")
	room, _ := n.m.CreateCourseChat("c1", "prof")

	sent, err := n.m.SendMessage(ctx, room, "prof", "Prof", "notes")
	require.NoError(t, err)

	pins, err := n.daemon.Pins(ctx)
	require.NoError(t, err)
	assert.Contains(t, pins, sent.Hash)
}

func TestSendRequiresSubscription(t *testing.T) {
	n := newNode(t, pubsub.NewMemoryBus(), "peer-a")
	_, err := n.m.SendMessage(context.Background(), "course:c1", "u1", "U1", "hello")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	room, _ := n.m.CreateCourseChat("c1", "u1")
	require.NoError(t, n.m.UnsubscribeFromRoom(room))
	require.NoError(t, n.m.UnsubscribeFromRoom(room))
	_, err = n.m.SendMessage(context.Background(), room, "u1", "U1", "hello")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubscribeFailsWhenStorageDisconnected(t *testing.T) {
	daemon := contentstore.NewMemoryDaemon()
	daemon.SetReachable(false)
	content := contentstore.NewClient(daemon, "", nil, nil)
	_ = content.Initialize(context.Background())
	hist, err := history.Open("h", history.InMemory())
	require.NoError(t, err)
	defer hist.Close()

	m := New(pubsub.NewMemoryBus().Node("a"), content, hist, nil, nil)
	defer m.Close()
	_, err = m.CreateCourseChat("c1", "prof")
	assert.ErrorIs(t, err, errs.ErrStorageUnavailable)
	assert.Empty(t, m.Rooms())
}

type failingContent struct{}

func (failingContent) Connected() bool { return true }

func (failingContent) StoreEnvelope(context.Context, any, contentstore.Metadata, ...contentstore.StoreOption) (contentstore.StoreResult, error) {
	return contentstore.StoreResult{}, errors.New("daemon went away")
}

func TestCaptureFailureSuppressesPublish(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	hist, err := history.Open("h", history.InMemory())
	require.NoError(t, err)
	defer hist.Close()
	sender := New(bus.Node("a"), failingContent{}, hist, nil, nil)
	defer sender.Close()
	listener := newNode(t, bus, "b")

	room, _ := sender.CreateCourseChat("c1", "prof")
	require.NoError(t, listener.m.SubscribeToRoom(room, "student"))

	_, err = sender.SendMessage(context.Background(), room, "prof", "Prof", "lost")
	require.Error(t, err)

	select {
	case msg := <-listener.received:
		t.Fatalf("uncaptured message was published: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	got, _ := sender.GetChatHistory(room, 10)
	assert.Empty(t, got)
}

func TestMalformedTopicDataIsDropped(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemoryBus()
	n := newNode(t, bus, "peer-a")
	room, _ := n.m.CreateCourseChat("c1", "prof")

	require.NoError(t, bus.Node("rogue").Publish(ctx, room, []byte("not json")))
	require.NoError(t, bus.Node("rogue").Publish(ctx, room, []byte(`{"content":"no id"}`)))
	require.NoError(t, bus.Node("rogue").Publish(ctx, room, []byte(`{"id":"x1","senderId":"u9","senderName":"U9","content":"ok","sentAt":"2026-01-01T00:00:00Z"}`)))

	got := n.next(t)
	assert.Equal(t, "x1", got.ID)
	assert.Equal(t, room, got.Room)
}

type refusingTransport struct {
	pubsub.Transport
}

func (refusingTransport) Publish(context.Context, string, []byte) error {
	return errors.New("no route to topic")
}

func TestPublishFailureRecordsNothing(t *testing.T) {
	daemon := contentstore.NewMemoryDaemon()
	content := contentstore.NewClient(daemon, "http://gw", nil, nil)
	require.NoError(t, content.Initialize(context.Background()))
	hist, err := history.Open("h", history.InMemory())
	require.NoError(t, err)
	defer hist.Close()

	m := New(refusingTransport{pubsub.NewMemoryBus().Node("a")}, content, hist, nil, nil)
	defer m.Close()
	delivered := 0
	m.SetMessageHandler(func(Message) { delivered++ })

	room, err := m.CreateCourseChat("c1", "prof")
	require.NoError(t, err)
	_, err = m.SendMessage(context.Background(), room, "prof", "Prof", "unheard")
	require.Error(t, err)

	got, err := m.GetChatHistory(room, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, delivered)
}
