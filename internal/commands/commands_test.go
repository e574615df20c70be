package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/contentstore"
	"github.com/zot/scholar-hub/internal/pidfile"
)

// run executes args against a fresh root carrying every subcommand.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	contentNoPin, psVerbose = false, false
	root := &cobra.Command{Use: "scholar-hub", SilenceUsage: true, SilenceErrors: true}
	AddGlobalFlags(root)
	root.AddCommand(VersionCmd, AboutCmd, PsCmd, KillCmd, KillAllCmd, MigrateCmd, ContentCmd, RoomCmd)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func useMemoryContent(t *testing.T) *contentstore.MemoryDaemon {
	t.Helper()
	daemon := contentstore.NewMemoryDaemon()
	old := openContent
	openContent = func(ctx context.Context) (*contentstore.Client, error) {
		client := contentstore.NewClient(daemon, "https://gw.example", nil, nil)
		return client, client.Initialize(ctx)
	}
	t.Cleanup(func() { openContent = old })
	return daemon
}

func TestRoomKeys(t *testing.T) {
	out, err := run(t, "", "room", "direct", "u9", "u2")
	if err != nil {
		t.Fatalf("room direct failed: %v", err)
	}
	if strings.TrimSpace(out) != "dm:u2:u9" {
		t.Fatalf("unexpected direct room %q", out)
	}

	out, err = run(t, "", "room", "course", "CS-101")
	if err != nil {
		t.Fatalf("room course failed: %v", err)
	}
	if strings.TrimSpace(out) != "course:CS-101" {
		t.Fatalf("unexpected course room %q", out)
	}

	if _, err := run(t, "", "room", "course", " "); err == nil {
		t.Fatal("expected a blank course id to be rejected")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, Version) {
		t.Fatalf("version output %q lacks %s", out, Version)
	}
}

func TestContentAddCatPins(t *testing.T) {
	daemon := useMemoryContent(t)

	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("lecture notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "content", "add", file)
	if err != nil {
		t.Fatalf("content add failed: %v", err)
	}
	hash := strings.TrimSpace(out)
	want, _ := contentstore.HashBytes([]byte("lecture notes"))
	if hash != want {
		t.Fatalf("add printed %q, want %q", hash, want)
	}

	out, err = run(t, "", "content", "cat", hash)
	if err != nil {
		t.Fatalf("content cat failed: %v", err)
	}
	if out != "lecture notes" {
		t.Fatalf("cat returned %q", out)
	}

	out, err = run(t, "", "content", "pins")
	if err != nil {
		t.Fatalf("content pins failed: %v", err)
	}
	if strings.TrimSpace(out) != hash {
		t.Fatalf("pins listed %q", out)
	}

	if _, err := run(t, "", "content", "unpin", hash); err != nil {
		t.Fatalf("content unpin failed: %v", err)
	}
	if daemon.GC() != 1 {
		t.Fatal("unpinned content should be collectable")
	}
}

func TestContentAddFromStdinWithoutPin(t *testing.T) {
	daemon := useMemoryContent(t)

	out, err := run(t, "draft", "content", "add", "--no-pin", "-")
	if err != nil {
		t.Fatalf("content add failed: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatal("no hash printed")
	}
	if daemon.GC() != 1 {
		t.Fatal("--no-pin content should be collectable")
	}
}

func TestContentStats(t *testing.T) {
	useMemoryContent(t)
	if _, err := run(t, "", "content", "add", "-"); err != nil {
		t.Fatalf("content add failed: %v", err)
	}
	out, err := run(t, "", "content", "stats")
	if err != nil {
		t.Fatalf("content stats failed: %v", err)
	}
	for _, want := range []string{"node:", "memory", "objects:", "peers:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stats output %q lacks %q", out, want)
		}
	}
}

func TestContentRequiresDaemonBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "hub.toml")
	if err := os.WriteFile(cfg, []byte("[content]\nbackend = \"memory\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "", "--config", cfg, "--env", filepath.Join(dir, "none.env"), "content", "pins")
	if err == nil || !strings.Contains(err.Error(), "daemon") {
		t.Fatalf("expected a backend error, got %v", err)
	}
}

func TestMigrateUpAndStatus(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "hub.toml")
	body := fmt.Sprintf("[database]\npath = %q\n", filepath.Join(dir, "hub.db"))
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	flags := []string{"--config", cfg, "--env", filepath.Join(dir, "none.env")}

	out, err := run(t, "", append(flags, "migrate", "status")...)
	if err != nil {
		t.Fatalf("migrate status failed: %v", err)
	}
	if !strings.Contains(out, "pending") {
		t.Fatalf("fresh database should be pending: %q", out)
	}

	out, err = run(t, "", append(flags, "migrate", "up")...)
	if err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !strings.Contains(out, "version 1") {
		t.Fatalf("unexpected migrate up output %q", out)
	}

	out, err = run(t, "", append(flags, "migrate", "status")...)
	if err != nil {
		t.Fatalf("migrate status failed: %v", err)
	}
	if !strings.Contains(out, "current") {
		t.Fatalf("migrated database should be current: %q", out)
	}
}

func TestPsWithNoServers(t *testing.T) {
	old := pidfile.Path
	pidfile.Path = filepath.Join(t.TempDir(), "registry")
	t.Cleanup(func() { pidfile.Path = old })

	out, err := run(t, "", "ps")
	if err != nil {
		t.Fatalf("ps failed: %v", err)
	}
	if !strings.Contains(out, "No running scholar-hub servers") {
		t.Fatalf("unexpected ps output %q", out)
	}
}

func TestKillRejectsBadPID(t *testing.T) {
	if _, err := run(t, "", "kill", "not-a-pid"); err == nil {
		t.Fatal("expected an invalid PID error")
	}
}
