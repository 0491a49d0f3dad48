// Package relay implements the WebSocket-to-TCP bridge: the Listener
// that accepts WebSocket clients and the Pair that couples each client
// to its own upstream TCP connection.
package relay

import (
	"fmt"
	"net"
	"time"
)

// State is the lifecycle state of a Pair.
type State int32

const (
	Connecting State = iota // upstream dial in progress
	Active                  // both legs open, forwarding
	Closing                 // one leg ended, the other is being closed
	Closed                  // both handles released
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Side names the leg of a pair an event came from.
type Side int

const (
	SideNone     Side = iota
	SideInbound       // the WebSocket client
	SideOutbound      // the upstream TCP connection
	SideLocal         // the bridge itself (shutdown)
)

func (s Side) String() string {
	switch s {
	case SideInbound:
		return "inbound"
	case SideOutbound:
		return "outbound"
	case SideLocal:
		return "local"
	default:
		return "none"
	}
}

// LegError is a transport failure on one leg of a pair.
type LegError struct {
	Side Side
	Op   string // "read", "write" or "dial"
	Err  error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, e.Op, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// MessageConn is the inbound leg.  *websocket.Conn satisfies it.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}
