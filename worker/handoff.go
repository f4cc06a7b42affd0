package worker

import (
	"net"
	"sync"
)

// handoffListener is a net.Listener fed by the supervisor. Accept returns
// connections in the order they were pushed.
type handoffListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newHandoffListener(addr net.Addr) *handoffListener {
	return &handoffListener{
		addr:  addr,
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}
}

func (l *handoffListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// push queues c for Accept. After Close, c is closed instead.
func (l *handoffListener) push(c net.Conn) {
	select {
	case <-l.done:
		c.Close()
		return
	default:
	}
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

// Close is idempotent. Connections still queued are closed.
func (l *handoffListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		for {
			select {
			case c := <-l.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (l *handoffListener) Addr() net.Addr {
	return l.addr
}
