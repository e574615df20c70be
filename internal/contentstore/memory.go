package contentstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zot/scholar-hub/internal/errs"
)

// MemoryDaemon is an in-process daemon with real content addresses and an
// explicit garbage collector. It serves single-instance development setups
// and tests.
type MemoryDaemon struct {
	mu          sync.RWMutex
	blobs       map[string][]byte
	pins        map[string]bool
	unreachable bool
}

// NewMemoryDaemon creates an empty daemon.
func NewMemoryDaemon() *MemoryDaemon {
	return &MemoryDaemon{
		blobs: make(map[string][]byte),
		pins:  make(map[string]bool),
	}
}

// SetReachable toggles whether Identify succeeds.
func (d *MemoryDaemon) SetReachable(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable = !ok
}

func (d *MemoryDaemon) Add(ctx context.Context, data []byte) (string, error) {
	hash, err := HashBytes(data)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blobs[hash]; !ok {
		d.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (d *MemoryDaemon) Cat(ctx context.Context, hash string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", hash, errs.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (d *MemoryDaemon) Pin(ctx context.Context, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blobs[hash]; !ok {
		return fmt.Errorf("pin %s: %w", hash, errs.ErrNotFound)
	}
	d.pins[hash] = true
	return nil
}

func (d *MemoryDaemon) Unpin(ctx context.Context, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pins, hash)
	return nil
}

func (d *MemoryDaemon) Pins(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.pins))
	for hash := range d.pins {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDaemon) Identify(ctx context.Context) (NodeInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.unreachable {
		return NodeInfo{}, fmt.Errorf("memory daemon unreachable: %w", errs.ErrStorageUnavailable)
	}
	return NodeInfo{ID: "memory", Version: "memory"}, nil
}

func (d *MemoryDaemon) RepoStat(ctx context.Context) (RepoStat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var size uint64
	for _, b := range d.blobs {
		size += uint64(len(b))
	}
	return RepoStat{RepoSize: size, NumObjects: uint64(len(d.blobs))}, nil
}

func (d *MemoryDaemon) PeerCount(ctx context.Context) (int, error) {
	return 0, nil
}

// GC removes every unpinned object and returns how many were collected.
func (d *MemoryDaemon) GC() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for hash := range d.blobs {
		if !d.pins[hash] {
			delete(d.blobs, hash)
			removed++
		}
	}
	return removed
}

// Objects reports how many distinct objects are stored.
func (d *MemoryDaemon) Objects() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blobs)
}
