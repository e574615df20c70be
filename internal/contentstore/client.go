package contentstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/metrics"
)

// Stats is the daemon's health snapshot.
type Stats struct {
	NodeID     string `json:"nodeId"`
	Version    string `json:"version"`
	RepoSize   uint64 `json:"repoSize"`
	NumObjects uint64 `json:"numObjects"`
	PeerCount  int    `json:"peerCount"`
}

// Client is the process-wide handle on the storage daemon. Calls are
// independent requests with no client-side locking; the only state is the
// connectivity flag set by Initialize.
type Client struct {
	daemon     Daemon
	gatewayURL string
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	connected atomic.Bool
}

// NewClient wraps daemon. Nothing succeeds until Initialize has confirmed the
// daemon is reachable.
func NewClient(daemon Daemon, gatewayURL string, log *zap.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		daemon:     daemon,
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// Initialize checks the daemon once. On failure the client stays
// disconnected and every later call fails fast; there is no reconnect loop,
// a restart re-runs Initialize.
func (c *Client) Initialize(ctx context.Context) error {
	info, err := c.daemon.Identify(ctx)
	c.metrics.ContentOp("id", err)
	if err != nil {
		c.connected.Store(false)
		c.log.Warn("content daemon unreachable", zap.Error(err))
		return fmt.Errorf("initialize content store: %w", errs.ErrStorageUnavailable)
	}
	c.connected.Store(true)
	c.log.Info("content daemon connected", zap.String("node", info.ID), zap.String("version", info.Version))
	return nil
}

// Connected reports the connectivity flag.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) ready() error {
	if !c.connected.Load() {
		return fmt.Errorf("content daemon disconnected: %w", errs.ErrStorageUnavailable)
	}
	return nil
}

// Add stores data and returns its content address. Identical bytes always
// yield the same address.
func (c *Client) Add(ctx context.Context, data []byte) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	hash, err := c.daemon.Add(ctx, data)
	c.metrics.ContentOp("add", err)
	if err != nil {
		return "", err
	}
	c.log.Debug("content added", zap.String("hash", hash), zap.Int("bytes", len(data)))
	return hash, nil
}

// Get fetches the bytes stored under hash.
func (c *Client) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	canonical, err := ParseHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := c.daemon.Cat(ctx, canonical)
	c.metrics.ContentOp("cat", err)
	return data, err
}

// Pin retains hash. Pinning a pinned hash succeeds.
func (c *Client) Pin(ctx context.Context, hash string) error {
	if err := c.ready(); err != nil {
		return err
	}
	canonical, err := ParseHash(hash)
	if err != nil {
		return err
	}
	err = c.daemon.Pin(ctx, canonical)
	c.metrics.ContentOp("pin", err)
	return err
}

// Unpin releases hash. Unpinning an unpinned hash succeeds.
func (c *Client) Unpin(ctx context.Context, hash string) error {
	if err := c.ready(); err != nil {
		return err
	}
	canonical, err := ParseHash(hash)
	if err != nil {
		return err
	}
	err = c.daemon.Unpin(ctx, canonical)
	c.metrics.ContentOp("unpin", err)
	return err
}

func (c *Client) ListPinned(ctx context.Context) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	pins, err := c.daemon.Pins(ctx)
	c.metrics.ContentOp("pin/ls", err)
	return pins, err
}

// Stats gathers identity, repository usage and swarm size.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	if err := c.ready(); err != nil {
		return Stats{}, err
	}
	info, err := c.daemon.Identify(ctx)
	if err != nil {
		c.metrics.ContentOp("stats", err)
		return Stats{}, err
	}
	repo, err := c.daemon.RepoStat(ctx)
	if err != nil {
		c.metrics.ContentOp("stats", err)
		return Stats{}, err
	}
	peers, err := c.daemon.PeerCount(ctx)
	c.metrics.ContentOp("stats", err)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		NodeID:     info.ID,
		Version:    info.Version,
		RepoSize:   repo.RepoSize,
		NumObjects: repo.NumObjects,
		PeerCount:  peers,
	}, nil
}

// LocatorURL is the public gateway address of hash.
func (c *Client) LocatorURL(hash string) string {
	return c.gatewayURL + "/ipfs/" + hash
}

// StoreEnvelope wraps data in an Envelope, adds it and pins it unless
// WithoutPin is given.
func (c *Client) StoreEnvelope(ctx context.Context, data any, meta Metadata, opts ...StoreOption) (StoreResult, error) {
	o := storeOptions{pin: true}
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return StoreResult{}, fmt.Errorf("encode envelope data: %v: %w", err, errs.ErrValidation)
	}
	env := newEnvelope(c.now(), raw, meta)
	hash, err := c.addEnvelope(ctx, env, o.pin)
	if err != nil {
		return StoreResult{}, err
	}
	c.log.Info("envelope stored", zap.String("hash", hash), zap.String("type", env.Type), zap.Bool("pinned", o.pin))
	return StoreResult{
		Hash:       hash,
		Timestamp:  env.Timestamp,
		LocatorURL: c.LocatorURL(hash),
		Pinned:     o.pin,
	}, nil
}

// StoreVersionedDocument stores a named document as a pinned envelope.
// meta.Version is recorded as given; monotonicity is the caller's concern.
func (c *Client) StoreVersionedDocument(ctx context.Context, name string, content []byte, meta Metadata) (DocumentResult, error) {
	if name == "" {
		return DocumentResult{}, fmt.Errorf("document name required: %w", errs.ErrValidation)
	}
	raw, err := json.Marshal(Document{Name: name, Content: content, Size: len(content)})
	if err != nil {
		return DocumentResult{}, err
	}
	meta.Type = TypeDocument
	env := newEnvelope(c.now(), raw, meta)
	hash, err := c.addEnvelope(ctx, env, true)
	if err != nil {
		return DocumentResult{}, err
	}
	c.log.Info("document stored", zap.String("hash", hash), zap.String("name", name), zap.String("version", env.Version))
	return DocumentResult{
		Hash:       hash,
		Version:    env.Version,
		Timestamp:  env.Timestamp,
		LocatorURL: c.LocatorURL(hash),
	}, nil
}

// GetEnvelope fetches and decodes an envelope.
func (c *Client) GetEnvelope(ctx context.Context, hash string) (*Envelope, error) {
	data, err := c.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" || env.Timestamp.IsZero() {
		return nil, fmt.Errorf("%s is not an envelope: %w", hash, errs.ErrValidation)
	}
	return &env, nil
}

func (c *Client) addEnvelope(ctx context.Context, env Envelope, pin bool) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	hash, err := c.Add(ctx, body)
	if err != nil {
		return "", err
	}
	if pin {
		if err := c.Pin(ctx, hash); err != nil {
			return "", err
		}
	}
	return hash, nil
}
