package supervisor

import (
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/net/nettest"
	"gotest.tools/assert"

	"waves.computer/waves/ipc"
)

func readyProcs(t *testing.T, s *fakeSpawner, n int) []Process {
	t.Helper()
	procs := make([]Process, 0, n)
	for i := 0; i < n; i++ {
		p, err := s.Spawn()
		assert.NilError(t, err)
		procs = append(procs, p)
	}
	return procs
}

// pipeDispatch dispatches one end of a pipe and returns the other.
func pipeDispatch(d *Dispatcher) net.Conn {
	client, server := net.Pipe()
	go d.dispatch(server)
	return client
}

func assertClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Read(make([]byte, 1))
	assert.Equal(t, err, io.EOF)
}

func TestDispatchRoundRobin(t *testing.T) {
	s := newFakeSpawner(true)
	procs := readyProcs(t, s, 3)
	src := &staticSource{}
	src.set(procs...)
	d := NewDispatcher(nil, src)

	for i := 0; i < 7; i++ {
		c := pipeDispatch(d)
		assertClosed(t, c)
		c.Close()
	}
	p := pids(procs)
	assert.DeepEqual(t, s.sentTo(), []int{p[0], p[1], p[2], p[0], p[1], p[2], p[0]})
	assert.Equal(t, d.Cursor(), uint64(7))
}

func TestDispatchCursorSurvivesResize(t *testing.T) {
	s := newFakeSpawner(true)
	procs := readyProcs(t, s, 3)
	src := &staticSource{}
	src.set(procs...)
	d := NewDispatcher(nil, src)

	for i := 0; i < 4; i++ {
		assertClosed(t, pipeDispatch(d))
	}
	src.set(procs[:2]...)
	assertClosed(t, pipeDispatch(d))

	p := pids(procs)
	// Cursor 4 over a set of two lands on the first worker.
	assert.DeepEqual(t, s.sentTo(), []int{p[0], p[1], p[2], p[0], p[0]})
	assert.Equal(t, d.Cursor(), uint64(5))
}

func TestDispatchFailedHandoffNotRetried(t *testing.T) {
	s := newFakeSpawner(true)
	procs := readyProcs(t, s, 2)
	procs[0].(*fakeProcess).failSend = true
	src := &staticSource{}
	src.set(procs...)
	d := NewDispatcher(nil, src)

	assertClosed(t, pipeDispatch(d))
	assert.Equal(t, len(s.sentTo()), 0)
	assert.Equal(t, d.Cursor(), uint64(1))

	assertClosed(t, pipeDispatch(d))
	assert.DeepEqual(t, s.sentTo(), []int{procs[1].Pid()})
}

func TestDispatchNoWorkers(t *testing.T) {
	d := NewDispatcher(nil, &staticSource{})
	assertClosed(t, pipeDispatch(d))
	assert.Equal(t, d.Cursor(), uint64(0))
}

func TestDispatcherServe(t *testing.T) {
	defer goleak.VerifyNone(t)
	ln, err := nettest.NewLocalListener("tcp")
	assert.NilError(t, err)

	s := newFakeSpawner(true)
	procs := readyProcs(t, s, 2)
	src := &staticSource{}
	d := NewDispatcher(ln, src)
	served := make(chan error, 1)
	go func() { served <- d.Serve() }()

	// Fail closed while the set is empty.
	c, err := net.Dial(ln.Addr().Network(), ln.Addr().String())
	assert.NilError(t, err)
	assertClosed(t, c)
	c.Close()

	src.set(procs...)
	for i := 0; i < 2; i++ {
		c, err := net.Dial(ln.Addr().Network(), ln.Addr().String())
		assert.NilError(t, err)
		// The fake worker drops its copy, so the client sees EOF too.
		assertClosed(t, c)
		c.Close()
	}
	for _, p := range procs {
		msgs := p.(*fakeProcess).messages()
		assert.Equal(t, len(msgs), 1)
		assert.Equal(t, msgs[0].Type(), ipc.NewConnectionMsg)
	}
	assert.Equal(t, d.Cursor(), uint64(2))

	ln.Close()
	select {
	case err := <-served:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after close")
	}
}
