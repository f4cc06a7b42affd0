package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/net/nettest"
	"gotest.tools/assert"

	"waves.computer/waves/config"
)

func writeVersion(t *testing.T, path, v string) {
	t.Helper()
	b := []byte(fmt.Sprintf(`{"name":"waves","version":%q}`, v))
	tmp := path + ".tmp"
	assert.NilError(t, os.WriteFile(tmp, b, 0o644))
	assert.NilError(t, os.Rename(tmp, path))
}

func testConfig(t *testing.T, workers int) *config.ServerConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "package.json")
	writeVersion(t, path, "1.0.0")
	return &config.ServerConfig{
		Workers:      workers,
		Environment:  "test",
		VersionFile:  path,
		PollInterval: config.Duration{Duration: 10 * time.Millisecond},
		DrainTimeout: config.Duration{Duration: time.Second},
	}
}

type served struct {
	cancel context.CancelFunc
	done   chan error
	ln     net.Listener
}

func serve(t *testing.T, s *Supervisor) *served {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	sv := &served{cancel: cancel, done: make(chan error, 1), ln: ln}
	go func() { sv.done <- s.Serve(ctx, ln) }()
	return sv
}

func (sv *served) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial(sv.ln.Addr().Network(), sv.ln.Addr().String())
	assert.NilError(t, err)
	return c
}

func (sv *served) stop(t *testing.T) {
	t.Helper()
	sv.cancel()
	select {
	case err := <-sv.done:
		assert.NilError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestSupervisorRollingReload(t *testing.T) {
	cfg := testConfig(t, 2)
	spawner := newFakeSpawner(true)
	s := New(cfg, spawner)
	sv := serve(t, s)

	waitFor(t, "workers ready", func() bool { return len(s.Pool().Live()) == 2 })
	original := spawner.processes()
	waitFor(t, "initial version", func() bool { return s.monitor.Last() == "1.0.0" })

	for i := 0; i < 3; i++ {
		assertClosed(t, sv.dial(t))
	}
	assert.Equal(t, s.Cursor(), uint64(3))

	writeVersion(t, cfg.VersionFile, "1.0.1")
	waitFor(t, "old workers disconnected", func() bool {
		return original[0].isDisconnected() && original[1].isDisconnected()
	})
	assert.Equal(t, spawner.count(), 4)
	fresh := spawner.processes()[2:]
	waitFor(t, "pool settles", func() bool { return s.Pool().Size() == 2 })
	assert.DeepEqual(t, pids(s.Pool().Live()), []int{fresh[0].pid, fresh[1].pid})
	assert.Equal(t, s.monitor.Last(), "1.0.1")

	assertClosed(t, sv.dial(t))
	assert.Equal(t, s.Cursor(), uint64(4))
	// Cursor 3 over the new set picks its second worker.
	assert.Equal(t, len(fresh[1].messages()), 1)

	sv.stop(t)
	for _, p := range fresh {
		assert.Assert(t, p.isDisconnected())
	}
	assert.Equal(t, spawner.count(), 4)
}

func TestSupervisorClearCaches(t *testing.T) {
	spawner := newFakeSpawner(true)
	s := New(testConfig(t, 2), spawner)
	sv := serve(t, s)
	waitFor(t, "workers ready", func() bool { return len(s.Pool().Live()) == 2 })

	s.ClearCaches()
	for _, p := range spawner.processes() {
		assert.Equal(t, len(p.messages()), 1)
	}
	sv.stop(t)
}

func TestSupervisorStartFailure(t *testing.T) {
	spawner := newFakeSpawner(true)
	spawner.setFailAfter(1)
	s := New(testConfig(t, 2), spawner)
	ln, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)

	err = s.Serve(context.Background(), ln)
	assert.ErrorContains(t, err, "fork failed")
	assert.Assert(t, spawner.processes()[0].isDisconnected())
	_, err = ln.Accept()
	assert.Assert(t, err != nil)
}

func TestSupervisorExecWorkers(t *testing.T) {
	cfg := testConfig(t, 2)
	s := New(cfg, testSpawner())
	sv := serve(t, s)
	defer sv.stop(t)

	waitFor(t, "workers ready", func() bool { return len(s.Pool().Live()) == 2 })
	live := pids(s.Pool().Live())

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, get(t, sv.dial(t)))
	}
	want := []string{
		fmt.Sprintf("pid %d", live[0]),
		fmt.Sprintf("pid %d", live[1]),
		fmt.Sprintf("pid %d", live[0]),
		fmt.Sprintf("pid %d", live[1]),
	}
	assert.DeepEqual(t, got, want)

	writeVersion(t, cfg.VersionFile, "1.0.1")
	waitFor(t, "workers replaced", func() bool {
		now := pids(s.Pool().Live())
		return len(now) == 2 && s.Pool().Size() == 2 && now[0] != live[0] && now[1] != live[1]
	})
	next := pids(s.Pool().Live())
	assert.Equal(t, get(t, sv.dial(t)), fmt.Sprintf("pid %d", next[0]))
}
