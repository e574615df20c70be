package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func useTempRegistry(t *testing.T, alive func(int32) bool) {
	t.Helper()
	oldPath, oldCheck := Path, isServer
	Path = filepath.Join(t.TempDir(), "registry")
	isServer = alive
	t.Cleanup(func() {
		Path, isServer = oldPath, oldCheck
	})
}

func TestRegisterListUnregister(t *testing.T) {
	self := int32(os.Getpid())
	useTempRegistry(t, func(pid int32) bool { return pid == self })

	if err := Register(10000); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := Register(10001); err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	entries, err := List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].PID != self || entries[0].Port != 10001 {
		t.Fatalf("unexpected entries %+v", entries)
	}

	if err := Unregister(); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	entries, err = List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty registry, got %+v", entries)
	}
}

func TestStaleEntriesAreDropped(t *testing.T) {
	self := int32(os.Getpid())
	alive := map[int32]bool{self: true, 4242: true}
	useTempRegistry(t, func(pid int32) bool { return alive[pid] })

	if err := update(true, func([]Entry) ([]Entry, error) {
		return []Entry{{PID: 4242, Port: 1}, {PID: self, Port: 2}}, nil
	}); err != nil {
		t.Fatalf("seeding registry failed: %v", err)
	}
	delete(alive, 4242)

	entries, err := List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].PID != self {
		t.Fatalf("stale entry survived: %+v", entries)
	}
}

func TestUnregisterWithoutRegistryFails(t *testing.T) {
	useTempRegistry(t, func(int32) bool { return true })
	if err := Unregister(); err == nil {
		t.Fatal("expected an error when the registry does not exist")
	}
}
