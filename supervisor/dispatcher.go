package supervisor

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"waves.computer/waves/ipc"
)

const maxAcceptDelay = time.Second

// WorkerSource yields the workers a connection may be handed to. The slice
// is read fresh for every connection.
type WorkerSource interface {
	Live() []Process
}

// Dispatcher owns the public listener and hands every accepted connection to
// the next worker in rotation. It never reads from a connection.
type Dispatcher struct {
	ln     net.Listener
	src    WorkerSource
	cursor atomic.Uint64
}

// NewDispatcher returns a Dispatcher for ln.
func NewDispatcher(ln net.Listener, src WorkerSource) *Dispatcher {
	return &Dispatcher{ln: ln, src: src}
}

// Serve accepts connections until the listener is closed, then returns nil.
func (d *Dispatcher) Serve() error {
	var delay time.Duration
	for {
		c, err := d.ln.Accept()
		// If the listener was closed, it's ok to return
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			logrus.Errorf("Dispatcher: accept error: %s; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		d.dispatch(c)
	}
}

// Cursor is the number of connections assigned so far.
func (d *Dispatcher) Cursor() uint64 {
	return d.cursor.Load()
}

// dispatch hands c to a worker. The supervisor's copy of the socket is
// always closed; on success the worker holds its own descriptor. With no
// workers the connection is dropped, and a failed hand-off is not retried.
func (d *Dispatcher) dispatch(c net.Conn) {
	defer c.Close()
	live := d.src.Live()
	if len(live) == 0 {
		logrus.Debugf("Dispatcher: no live workers, dropping %s", c.RemoteAddr())
		return
	}
	n := d.cursor.Add(1) - 1
	w := live[n%uint64(len(live))]
	if err := w.Send(ipc.NewConnection{Conn: c}); err != nil {
		logrus.Debugf("Dispatcher: hand-off to worker %d failed: %s", w.Pid(), err)
	}
}
