// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// Role tells whether the local endpoint accepted or initiated the connection.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ConnState enumerates the lifecycle of a connection. Transitions only move
// forward: INIT -> OPEN -> CLOSING -> CLOSED.
type ConnState int32

const (
	StateInit ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of per-connection counters.
type Stats struct {
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
	Dropped   int64
}
