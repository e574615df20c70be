// Package contentstore gives uniform access to a content-addressed storage
// daemon: add, fetch, pin management and repository statistics, plus the
// envelope schema used to store academic data with provenance.
package contentstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/zot/scholar-hub/internal/errs"
)

// Daemon is the request/response surface of the storage daemon.
// Implementations normalize their failures: unresolvable hashes wrap
// errs.ErrNotFound and unpinning an unpinned hash succeeds.
type Daemon interface {
	Add(ctx context.Context, data []byte) (string, error)
	Cat(ctx context.Context, hash string) ([]byte, error)
	Pin(ctx context.Context, hash string) error
	Unpin(ctx context.Context, hash string) error
	Pins(ctx context.Context) ([]string, error)
	Identify(ctx context.Context) (NodeInfo, error)
	RepoStat(ctx context.Context) (RepoStat, error)
	PeerCount(ctx context.Context) (int, error)
}

// NodeInfo identifies the daemon.
type NodeInfo struct {
	ID      string
	Version string
}

// RepoStat is the daemon's repository usage.
type RepoStat struct {
	RepoSize   uint64
	NumObjects uint64
}

// rawPrefix produces CIDv1 raw-leaf sha2-256 addresses, matching what the
// daemon returns for single-block adds with cid-version=1.
var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// HashBytes returns the content address of data.
func HashBytes(data []byte) (string, error) {
	c, err := rawPrefix.Sum(data)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// ParseHash validates a content address and returns its canonical form.
func ParseHash(hash string) (string, error) {
	c, err := cid.Decode(hash)
	if err != nil {
		return "", fmt.Errorf("malformed content address %q: %w", hash, errs.ErrValidation)
	}
	return c.String(), nil
}
