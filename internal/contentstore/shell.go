package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/multiformats/go-multibase"

	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/pubsub"
)

// ShellDaemon talks to a Kubo-compatible daemon over its HTTP RPC API
// (add, cat, pin/add, pin/rm, pin/ls, id, version, stats/repo) and doubles
// as a pub/sub transport over the same daemon's network layer.
type ShellDaemon struct {
	sh *shell.Shell

	idOnce  sync.Once
	localID string
}

// NewShellDaemon connects to the daemon API at apiAddress (host:port,
// multiaddr or URL). Requests time out after timeout.
func NewShellDaemon(apiAddress string, timeout time.Duration) *ShellDaemon {
	sh := shell.NewShell(apiAddress)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &ShellDaemon{sh: sh}
}

func (d *ShellDaemon) Add(ctx context.Context, data []byte) (string, error) {
	// Pinning is explicit: objects stay collectable until Pin is called.
	hash, err := d.sh.Add(bytes.NewReader(data), shell.Pin(false), shell.CidVersion(1), shell.RawLeaves(true))
	if err != nil {
		return "", unavailable("add", err)
	}
	return hash, nil
}

func (d *ShellDaemon) Cat(ctx context.Context, hash string) ([]byte, error) {
	resp, err := d.sh.Request("cat", hash).Send(ctx)
	if err != nil {
		if timedOut(err) {
			return nil, fmt.Errorf("cat %s: %w", hash, errs.ErrNotFound)
		}
		return nil, unavailable("cat", err)
	}
	defer resp.Close()
	if resp.Error != nil {
		return nil, fmt.Errorf("cat %s: %s: %w", hash, resp.Error.Message, errs.ErrNotFound)
	}
	data, err := io.ReadAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("cat %s: %w", hash, errs.ErrNotFound)
	}
	return data, nil
}

func (d *ShellDaemon) Pin(ctx context.Context, hash string) error {
	err := d.sh.Request("pin/add", hash).Exec(ctx, nil)
	if err != nil {
		var apiErr *shell.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("pin %s: %s: %w", hash, apiErr.Message, errs.ErrNotFound)
		}
		return unavailable("pin/add", err)
	}
	return nil
}

func (d *ShellDaemon) Unpin(ctx context.Context, hash string) error {
	err := d.sh.Request("pin/rm", hash).Exec(ctx, nil)
	if err != nil {
		var apiErr *shell.Error
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "not pinned") {
			return nil
		}
		return unavailable("pin/rm", err)
	}
	return nil
}

func (d *ShellDaemon) Pins(ctx context.Context) ([]string, error) {
	var out struct {
		Keys map[string]struct {
			Type string
		}
	}
	if err := d.sh.Request("pin/ls").Option("type", "recursive").Exec(ctx, &out); err != nil {
		return nil, unavailable("pin/ls", err)
	}
	hashes := make([]string, 0, len(out.Keys))
	for hash := range out.Keys {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (d *ShellDaemon) Identify(ctx context.Context) (NodeInfo, error) {
	var id struct {
		ID string
	}
	if err := d.sh.Request("id").Exec(ctx, &id); err != nil {
		return NodeInfo{}, unavailable("id", err)
	}
	var version struct {
		Version string
	}
	if err := d.sh.Request("version").Exec(ctx, &version); err != nil {
		return NodeInfo{}, unavailable("version", err)
	}
	return NodeInfo{ID: id.ID, Version: version.Version}, nil
}

func (d *ShellDaemon) RepoStat(ctx context.Context) (RepoStat, error) {
	var out struct {
		RepoSize   uint64
		NumObjects uint64
	}
	if err := d.sh.Request("stats/repo").Exec(ctx, &out); err != nil {
		return RepoStat{}, unavailable("stats/repo", err)
	}
	return RepoStat{RepoSize: out.RepoSize, NumObjects: out.NumObjects}, nil
}

func (d *ShellDaemon) PeerCount(ctx context.Context) (int, error) {
	var out struct {
		Peers []struct {
			Peer string
		}
	}
	if err := d.sh.Request("swarm/peers").Exec(ctx, &out); err != nil {
		return 0, unavailable("swarm/peers", err)
	}
	return len(out.Peers), nil
}

// Pub/sub over the daemon

// LocalID returns the daemon's peer id, resolved on first use.
func (d *ShellDaemon) LocalID() string {
	d.idOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if info, err := d.Identify(ctx); err == nil {
			d.localID = info.ID
		}
	})
	return d.localID
}

func (d *ShellDaemon) Subscribe(topic string) (pubsub.Subscription, error) {
	sub, err := d.sh.PubSubSubscribe(topic)
	if err != nil {
		return nil, unavailable("pubsub/sub", err)
	}
	return &shellSubscription{sub: sub}, nil
}

func (d *ShellDaemon) Publish(ctx context.Context, topic string, data []byte) error {
	if err := d.sh.PubSubPublish(topic, string(data)); err != nil {
		return unavailable("pubsub/pub", err)
	}
	return nil
}

func (d *ShellDaemon) Peers(ctx context.Context, topic string) ([]string, error) {
	// The RPC API expects multibase-encoded topic arguments.
	encoded, err := multibase.Encode(multibase.Base64url, []byte(topic))
	if err != nil {
		return nil, err
	}
	var out struct {
		Strings []string
	}
	if err := d.sh.Request("pubsub/peers", encoded).Exec(ctx, &out); err != nil {
		return nil, unavailable("pubsub/peers", err)
	}
	return out.Strings, nil
}

type shellSubscription struct {
	sub *shell.PubSubSubscription
}

// Next blocks until the daemon delivers a message; Cancel unblocks it.
func (s *shellSubscription) Next(ctx context.Context) (*pubsub.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.sub.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, pubsub.ErrClosed
		}
		return nil, err
	}
	return &pubsub.Message{From: msg.From.String(), Data: msg.Data}, nil
}

func (s *shellSubscription) Cancel() error {
	return s.sub.Cancel()
}

// timedOut reports the caller's deadline or the shell client's own request
// timeout. An unresolvable hash ends in one of the two.
func timedOut(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, errs.ErrStorageUnavailable)
}

var _ Daemon = (*ShellDaemon)(nil)
var _ pubsub.Transport = (*ShellDaemon)(nil)
