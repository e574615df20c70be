// Package pidfile tracks running scholar-hub servers in a shared JSON
// registry so that ps, kill and killall can find them.
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessName is matched against the executable name of registered PIDs;
// entries belonging to anything else are dropped as stale.
const ProcessName = "scholar-hub"

// Path is the registry location. Tests point it elsewhere.
var Path = filepath.Join(os.TempDir(), ".scholar-hub")

// Entry is one registered server.
type Entry struct {
	PID     int32     `json:"pid"`
	Port    int       `json:"port"`
	Started time.Time `json:"started"`
}

type registry struct {
	Servers []Entry `json:"servers"`
}

var mu sync.Mutex

// isServer is replaced in tests, where the registered process is the test binary.
var isServer = func(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	name, err := proc.Name()
	if err != nil {
		return false
	}
	return strings.Contains(name, ProcessName)
}

// update opens and locks the registry, drops stale entries and hands the
// live ones to fn. If fn returns a non-nil slice it replaces the registry.
func update(create bool, fn func([]Entry) ([]Entry, error)) error {
	if err := os.MkdirAll(filepath.Dir(Path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open PID file: %w", err)
	}
	defer file.Close()
	if err := lockFile(file); err != nil {
		return err
	}
	defer unlockFile(file)

	var reg registry
	if stat, err := file.Stat(); err == nil && stat.Size() > 0 {
		// A corrupt registry is treated as empty and rewritten.
		_ = json.NewDecoder(file).Decode(&reg)
	}
	live := make([]Entry, 0, len(reg.Servers))
	for _, e := range reg.Servers {
		if isServer(e.PID) {
			live = append(live, e)
		}
	}

	next, err := fn(live)
	if err != nil {
		return err
	}
	if next == nil {
		if len(live) == len(reg.Servers) {
			return nil
		}
		next = live
	}
	return write(file, next)
}

func write(file *os.File, entries []Entry) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(registry{Servers: entries})
}

// Register records the current process as serving on port.
func Register(port int) error {
	mu.Lock()
	defer mu.Unlock()

	self := int32(os.Getpid())
	return update(true, func(live []Entry) ([]Entry, error) {
		out := make([]Entry, 0, len(live)+1)
		for _, e := range live {
			if e.PID != self {
				out = append(out, e)
			}
		}
		return append(out, Entry{PID: self, Port: port, Started: time.Now().UTC()}), nil
	})
}

// Unregister removes the current process.
func Unregister() error {
	mu.Lock()
	defer mu.Unlock()
	return remove(int32(os.Getpid()))
}

func remove(pid int32) error {
	return update(false, func(live []Entry) ([]Entry, error) {
		out := make([]Entry, 0, len(live))
		for _, e := range live {
			if e.PID != pid {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

// List returns the live registered servers.
func List() ([]Entry, error) {
	mu.Lock()
	defer mu.Unlock()

	var result []Entry
	err := update(true, func(live []Entry) ([]Entry, error) {
		result = live
		return nil, nil
	})
	return result, err
}

// Kill stops one registered server: SIGTERM, then SIGKILL if it is still
// running after five seconds.
func Kill(pid int32) error {
	mu.Lock()
	defer mu.Unlock()

	if !isServer(pid) {
		return fmt.Errorf("PID %d is not a running %s process", pid, ProcessName)
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to get process: %w", err)
	}
	if err := stop(proc); err != nil {
		return err
	}
	// best effort: the server normally unregisters itself
	remove(pid)
	return nil
}

// KillAll stops every registered server and returns how many there were.
func KillAll() (int, error) {
	mu.Lock()
	defer mu.Unlock()

	var targets []Entry
	err := update(true, func(live []Entry) ([]Entry, error) {
		targets = live
		return []Entry{}, nil
	})
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, e := range targets {
		proc, err := process.NewProcess(e.PID)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop(proc)
		}()
	}
	wg.Wait()
	return len(targets), nil
}

func stop(proc *process.Process) error {
	if err := proc.Terminate(); err != nil {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if running, err := proc.IsRunning(); err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to force kill process: %w", err)
	}
	return nil
}

// Cmdline returns the command line of pid, or "" if it cannot be read.
func Cmdline(pid int32) string {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		return ""
	}
	return cmdline
}
