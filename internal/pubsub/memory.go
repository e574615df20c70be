package pubsub

import (
	"context"
	"sort"
	"sync"
)

const memoryQueue = 256

// MemoryBus connects in-process nodes. Used for single-instance deployments
// and tests; a full subscriber queue drops the message.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]bool)}
}

// Node returns a transport attached to the bus under the given id.
func (b *MemoryBus) Node(id string) Transport {
	return &memoryNode{bus: b, id: id}
}

type memoryNode struct {
	bus *MemoryBus
	id  string
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	owner string
	ch    chan *Message
	once  sync.Once
	done  chan struct{}
}

func (n *memoryNode) LocalID() string { return n.id }

func (n *memoryNode) Subscribe(topic string) (Subscription, error) {
	s := &memorySub{
		bus:   n.bus,
		topic: topic,
		owner: n.id,
		ch:    make(chan *Message, memoryQueue),
		done:  make(chan struct{}),
	}
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	if n.bus.subs[topic] == nil {
		n.bus.subs[topic] = make(map[*memorySub]bool)
	}
	n.bus.subs[topic][s] = true
	return s, nil
}

func (n *memoryNode) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &Message{From: n.id, Data: append([]byte(nil), data...)}

	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	for s := range n.bus.subs[topic] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (n *memoryNode) Peers(ctx context.Context, topic string) ([]string, error) {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	seen := make(map[string]bool)
	for s := range n.bus.subs[topic] {
		if s.owner != n.id {
			seen[s.owner] = true
		}
	}
	peers := make([]string, 0, len(seen))
	for id := range seen {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers, nil
}

func (s *memorySub) Next(ctx context.Context) (*Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Cancel() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		if len(s.bus.subs[s.topic]) == 0 {
			delete(s.bus.subs, s.topic)
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}
