// Package ipc implements the channel between the supervisor and its worker
// processes. Each worker owns one end of a unix seqpacket socket pair. New
// client connections travel over it as SCM_RIGHTS descriptors.
package ipc

import (
	"fmt"
	"net"
)

// MsgType identifies a message on the wire. It is the first byte of every
// packet.
type MsgType byte

// Message types.
const (
	NewConnectionMsg MsgType = 1 // supervisor -> worker, carries a socket
	ClearCacheMsg    MsgType = 2 // supervisor -> worker
	ReadyMsg         MsgType = 3 // worker -> supervisor, sent once
)

func (t MsgType) String() string {
	switch t {
	case NewConnectionMsg:
		return "sticky-session:connection"
	case ClearCacheMsg:
		return "clear-cache"
	case ReadyMsg:
		return "listening"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is one of NewConnection, ClearCache or Ready.
type Message interface {
	Type() MsgType
}

// NewConnection hands an accepted client connection to a worker. On the
// sending side the supervisor still owns Conn and closes it after Send. On
// the receiving side Conn is a fresh connection built from the passed
// descriptor.
type NewConnection struct {
	Conn net.Conn
}

// ClearCache asks a worker to drop its application caches.
type ClearCache struct{}

// Ready is the readiness signal. Addr is the worker's internal listener.
type Ready struct {
	Addr string
}

// Type implements Message.
func (NewConnection) Type() MsgType { return NewConnectionMsg }

// Type implements Message.
func (ClearCache) Type() MsgType { return ClearCacheMsg }

// Type implements Message.
func (Ready) Type() MsgType { return ReadyMsg }
