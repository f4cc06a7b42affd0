package ipc

import (
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxPacket bounds a single message. Ready carries a host:port, nothing
// else has a payload.
const maxPacket = 512

// ErrUnknownMessage is returned by Recv for a packet with an unknown type.
var ErrUnknownMessage = errors.New("ipc: unknown message type")

// ErrTruncated is returned when the kernel dropped ancillary data.
var ErrTruncated = errors.New("ipc: control message truncated")

// Channel is a message pipe over a connected unix seqpacket socket. Send is
// safe for concurrent use. Recv must be called from a single goroutine.
type Channel struct {
	conn *net.UnixConn
	wmu  sync.Mutex
}

// Pair creates a connected socket pair. The returned Channel is the
// supervisor end; the file is the worker end, meant to be passed to the child
// process and then closed by the caller.
func Pair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "ipc: socketpair")
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	parent := os.NewFile(uintptr(fds[0]), "supervisor-channel")
	child := os.NewFile(uintptr(fds[1]), "worker-channel")
	ch, err := FromFile(parent)
	if err != nil {
		child.Close()
		return nil, nil, err
	}
	return ch, child, nil
}

// FromFile wraps an inherited socket descriptor. f is closed; the Channel
// holds its own duplicate.
func FromFile(f *os.File) (*Channel, error) {
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrapf(err, "ipc: %s", f.Name())
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("ipc: %s is not a unix socket", f.Name())
	}
	return &Channel{conn: uc}, nil
}

// Send writes m as a single packet. For NewConnection the connection's
// descriptor is duplicated into the peer; the caller keeps ownership of
// m.Conn.
func (c *Channel) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	switch m := m.(type) {
	case NewConnection:
		return c.sendConn(m.Conn)
	case ClearCache:
		return c.write([]byte{byte(ClearCacheMsg)}, nil)
	case Ready:
		return c.write(append([]byte{byte(ReadyMsg)}, m.Addr...), nil)
	default:
		return ErrUnknownMessage
	}
}

func (c *Channel) sendConn(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return errors.Errorf("ipc: %T has no file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	// Control keeps fd valid for the duration of the callback. The error of
	// the write itself is captured in werr.
	var werr error
	err = raw.Control(func(fd uintptr) {
		werr = c.write([]byte{byte(NewConnectionMsg)}, unix.UnixRights(int(fd)))
	})
	if err != nil {
		return err
	}
	return werr
}

func (c *Channel) write(b, oob []byte) error {
	n, oobn, err := c.conn.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return err
	}
	if n != len(b) || oobn != len(oob) {
		return io.ErrShortWrite
	}
	return nil
}

// Recv reads the next message. It returns io.EOF once the peer has closed
// its end.
func (c *Channel) Recv() (Message, error) {
	buf := make([]byte, maxPacket)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, flags, _, err := c.conn.ReadMsgUnix(buf, oob)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	files, err := parseRights(oob[:oobn])
	if err != nil {
		closeAll(files)
		return nil, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeAll(files)
		return nil, ErrTruncated
	}
	if n == 0 {
		closeAll(files)
		return nil, io.EOF
	}

	switch t := MsgType(buf[0]); t {
	case NewConnectionMsg:
		if len(files) != 1 {
			closeAll(files)
			return nil, errors.Errorf("ipc: %s with %d descriptors", t, len(files))
		}
		conn, err := net.FileConn(files[0])
		files[0].Close()
		if err != nil {
			return nil, errors.Wrap(err, "ipc: rebuilding connection")
		}
		return NewConnection{Conn: conn}, nil
	case ClearCacheMsg:
		closeAll(files)
		return ClearCache{}, nil
	case ReadyMsg:
		closeAll(files)
		return Ready{Addr: string(buf[1:n])}, nil
	default:
		closeAll(files)
		return nil, errors.Wrapf(ErrUnknownMessage, "type %d", byte(t))
	}
}

// Close closes this end of the channel. A blocked Recv on either end
// returns.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// parseRights converts SCM_RIGHTS control messages into files. The returned
// slice can be non-empty even if an error is returned.
func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "ipc: parsing control message")
	}
	var res []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return res, errors.Wrap(err, "ipc: parsing unix rights")
		}
		for _, fd := range fds {
			res = append(res, os.NewFile(uintptr(fd), "handoff"))
		}
	}
	return res, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
