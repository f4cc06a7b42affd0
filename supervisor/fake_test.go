package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"waves.computer/waves/ipc"
)

var errChannelClosed = errors.New("channel closed")

// fakeProcess is an in-memory Process. Tests drive readiness and crashes.
type fakeProcess struct {
	pid     int
	spawner *fakeSpawner

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan ExitStatus
	exitOnce  sync.Once

	mu           sync.Mutex
	sent         []ipc.Message
	disconnected bool
	failSend     bool
	// stubborn processes ignore Disconnect and only exit when killed.
	stubborn bool
}

func (p *fakeProcess) Pid() int                  { return p.pid }
func (p *fakeProcess) Ready() <-chan struct{}    { return p.ready }
func (p *fakeProcess) Exited() <-chan ExitStatus { return p.exited }

func (p *fakeProcess) Send(m ipc.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected || p.failSend {
		return errChannelClosed
	}
	p.sent = append(p.sent, m)
	if p.spawner != nil {
		p.spawner.recordSend(p.pid)
	}
	return nil
}

func (p *fakeProcess) Disconnect() error {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return errChannelClosed
	}
	p.disconnected = true
	p.mu.Unlock()
	if p.spawner != nil {
		p.spawner.recordDisconnect(p)
	}
	if !p.stubborn {
		p.exit(ExitStatus{Code: 0})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

func (p *fakeProcess) becomeReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *fakeProcess) crash(code int) {
	p.exit(ExitStatus{Code: code})
}

func (p *fakeProcess) exit(st ExitStatus) {
	p.exitOnce.Do(func() {
		p.exited <- st
		close(p.exited)
	})
}

func (p *fakeProcess) isDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *fakeProcess) messages() []ipc.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ipc.Message(nil), p.sent...)
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:    pid,
		ready:  make(chan struct{}),
		exited: make(chan ExitStatus, 1),
	}
}

// fakeSpawner hands out fakeProcesses with increasing pids.
type fakeSpawner struct {
	mu        sync.Mutex
	nextPid   int
	autoReady bool
	stubborn  bool
	failAfter int // fail once this many processes exist; 0 disables
	procs     []*fakeProcess
	sends     []int
	// onDisconnect runs before a disconnected process exits.
	onDisconnect func(*fakeProcess)
}

func newFakeSpawner(autoReady bool) *fakeSpawner {
	return &fakeSpawner{nextPid: 100, autoReady: autoReady}
}

func (s *fakeSpawner) Spawn() (Process, error) {
	s.mu.Lock()
	if s.failAfter > 0 && len(s.procs) >= s.failAfter {
		s.mu.Unlock()
		return nil, errors.New("fork failed")
	}
	s.nextPid++
	p := newFakeProcess(s.nextPid)
	p.spawner = s
	p.stubborn = s.stubborn
	s.procs = append(s.procs, p)
	auto := s.autoReady
	s.mu.Unlock()
	if auto {
		p.becomeReady()
	}
	return p, nil
}

func (s *fakeSpawner) setAutoReady(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReady = v
}

func (s *fakeSpawner) setFailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
}

func (s *fakeSpawner) processes() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) recordSend(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, pid)
}

func (s *fakeSpawner) sentTo() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sends...)
}

func (s *fakeSpawner) recordDisconnect(p *fakeProcess) {
	s.mu.Lock()
	f := s.onDisconnect
	s.mu.Unlock()
	if f != nil {
		f(p)
	}
}

// staticSource is a WorkerSource with a fixed set.
type staticSource struct {
	mu    sync.Mutex
	procs []Process
}

func (s *staticSource) Live() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Process(nil), s.procs...)
}

func (s *staticSource) set(procs ...Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = procs
}

func pids(procs []Process) []int {
	out := make([]int, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Pid())
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
