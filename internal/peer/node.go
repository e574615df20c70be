// Package peer runs an embedded libp2p node whose GossipSub router serves as
// the messenger's pub/sub transport when no storage daemon is available.
package peer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discoveryrouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	libp2pconnmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	bus "github.com/zot/scholar-hub/internal/pubsub"
)

const (
	// MDNSServiceName is the local discovery tag shared by every node.
	MDNSServiceName = "scholar-hub"

	protectTag = "scholar-hub-bootstrap"
)

// Options configures a Node.
type Options struct {
	ListenAddrs []string
	// Bootstrap peers are full multiaddrs ending in /p2p/<id>; they are
	// dialled at start and protected from connection pruning.
	Bootstrap []string
	MDNS      bool
	DHT       bool
	// KeyFile persists the node identity. Empty means a fresh identity per run.
	KeyFile string
	// Connection manager watermarks; zero selects libp2p's defaults.
	ConnLow  int
	ConnHigh int
}

// Node is a libp2p host with GossipSub. It implements the pub/sub transport
// contract; each topic is joined once and shared by its subscriptions.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	host        host.Host
	ps          *pubsub.PubSub
	dht         *dht.IpfsDHT
	mdnsService mdns.Service

	mu     sync.Mutex
	topics map[string]*topicHandle
	closed bool
}

type topicHandle struct {
	topic *pubsub.Topic
	subs  int
}

// discoveryNotifee connects to peers found via mDNS
type discoveryNotifee struct {
	h   host.Host
	log *zap.Logger
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.log.Debug("mdns connect failed", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}

// allowPrivateGater admits connections on private and loopback addresses,
// which campus-LAN deployments rely on.
type allowPrivateGater struct{}

var _ connmgr.ConnectionGater = (*allowPrivateGater)(nil)

func (g *allowPrivateGater) InterceptPeerDial(p peer.ID) bool { return true }

func (g *allowPrivateGater) InterceptAddrDial(p peer.ID, m multiaddr.Multiaddr) bool { return true }

func (g *allowPrivateGater) InterceptAccept(n network.ConnMultiaddrs) bool { return true }

func (g *allowPrivateGater) InterceptSecured(dir network.Direction, p peer.ID, n network.ConnMultiaddrs) bool {
	return true
}

func (g *allowPrivateGater) InterceptUpgraded(c network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// New starts a node. Cancel ctx or call Close to stop it.
func New(ctx context.Context, opts Options, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	priv, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	listen := opts.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	low, high := opts.ConnLow, opts.ConnHigh
	if low <= 0 || high <= low {
		low, high = 100, 400
	}
	cm, err := libp2pconnmgr.NewConnManager(low, high, libp2pconnmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var kdht *dht.IpfsDHT
	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
		libp2p.ConnectionGater(&allowPrivateGater{}),
		libp2p.ConnectionManager(cm),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
	}
	if opts.DHT {
		hostOpts = append(hostOpts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kdht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
			return kdht, err
		}))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	n := &Node{
		ctx:    ctx,
		cancel: cancel,
		log:    log.Named("peer"),
		host:   h,
		dht:    kdht,
		topics: make(map[string]*topicHandle),
	}

	n.bootstrap(opts.Bootstrap)
	if kdht != nil {
		if err := kdht.Bootstrap(ctx); err != nil {
			n.log.Warn("dht bootstrap", zap.Error(err))
		}
	}

	if opts.MDNS {
		n.mdnsService = mdns.NewMdnsService(h, MDNSServiceName, &discoveryNotifee{h: h, log: n.log})
		if err := n.mdnsService.Start(); err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to start mDNS: %w", err)
		}
	}

	if kdht != nil {
		n.ps, err = pubsub.NewGossipSub(ctx, h, pubsub.WithDiscovery(discoveryrouting.NewRoutingDiscovery(kdht)))
	} else {
		n.ps, err = pubsub.NewGossipSub(ctx, h)
	}
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	n.log.Info("p2p node started", zap.String("id", h.ID().String()), zap.Strings("addrs", n.Addrs()))
	return n, nil
}

// bootstrap dials the configured peers, falling back to the public DHT
// bootstrap set when the DHT is on and nothing was configured.
func (n *Node) bootstrap(addrs []string) {
	if len(addrs) == 0 && n.dht != nil {
		connected := 0
		for _, info := range dht.GetDefaultBootstrapPeerAddrInfos() {
			if err := n.host.Connect(n.ctx, info); err == nil {
				connected++
			}
			if connected >= 3 {
				break
			}
		}
		return
	}
	for _, addr := range addrs {
		if err := n.Connect(n.ctx, addr); err != nil {
			n.log.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}
}

// Connect dials a peer by full multiaddr and protects the connection.
func (n *Node) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("bad peer address %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("bad peer address %q: %w", addr, err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return err
	}
	n.host.ConnManager().Protect(info.ID, protectTag)
	return nil
}

// Addrs returns the node's dialable addresses with the /p2p suffix.
func (n *Node) Addrs() []string {
	suffix := "/p2p/" + n.host.ID().String()
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, a.String()+suffix)
	}
	sort.Strings(addrs)
	return addrs
}

func (n *Node) LocalID() string {
	return n.host.ID().String()
}

// ConnectedPeers counts open peer connections.
func (n *Node) ConnectedPeers() int {
	return len(n.host.Network().Peers())
}

// joinLocked returns the shared handle for topic. Caller holds n.mu.
func (n *Node) joinLocked(topic string) (*topicHandle, error) {
	if n.closed {
		return nil, bus.ErrClosed
	}
	if th, ok := n.topics[topic]; ok {
		return th, nil
	}
	t, err := n.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}
	th := &topicHandle{topic: t}
	n.topics[topic] = th
	return th, nil
}

func (n *Node) Subscribe(topic string) (bus.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	th, err := n.joinLocked(topic)
	if err != nil {
		return nil, err
	}
	sub, err := th.topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	th.subs++
	n.log.Debug("subscribed", zap.String("topic", topic))
	return &subscription{node: n, name: topic, sub: sub}, nil
}

func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.Lock()
	th, err := n.joinLocked(topic)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if err := th.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (n *Node) Peers(ctx context.Context, topic string) ([]string, error) {
	ids := n.ps.ListPeers(topic)
	peers := make([]string, len(ids))
	for i, id := range ids {
		peers[i] = id.String()
	}
	sort.Strings(peers)
	return peers, nil
}

// release drops one subscription reference and leaves the topic when none remain.
func (n *Node) release(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	th, ok := n.topics[topic]
	if !ok {
		return
	}
	th.subs--
	if th.subs <= 0 {
		delete(n.topics, topic)
		_ = th.topic.Close()
	}
}

// Close leaves every topic and shuts the host down.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	topics := n.topics
	n.topics = make(map[string]*topicHandle)
	n.mu.Unlock()

	n.cancel()
	for _, th := range topics {
		_ = th.topic.Close()
	}
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

type subscription struct {
	node *Node
	name string
	sub  *pubsub.Subscription
	once sync.Once
}

func (s *subscription) Next(ctx context.Context) (*bus.Message, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		if errors.Is(err, pubsub.ErrSubscriptionCancelled) {
			return nil, bus.ErrClosed
		}
		return nil, err
	}
	return &bus.Message{From: msg.GetFrom().String(), Data: msg.Data}, nil
}

func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.sub.Cancel()
		s.node.release(s.name)
	})
	return nil
}

// loadOrCreateKey reads an encoded private key from path, generating and
// saving an Ed25519 key when the file does not exist.
func loadOrCreateKey(path string) (crypto.PrivKey, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			keyBytes, err := crypto.ConfigDecodeKey(strings.TrimSpace(string(raw)))
			if err != nil {
				return nil, fmt.Errorf("failed to decode peer key: %w", err)
			}
			priv, err := crypto.UnmarshalPrivateKey(keyBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal peer key: %w", err)
			}
			return priv, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	if path == "" {
		return priv, nil
	}
	keyBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(crypto.ConfigEncodeKey(keyBytes)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save peer key: %w", err)
	}
	return priv, nil
}

var _ bus.Transport = (*Node)(nil)
