// Package server
// Author: momentics <momentics@gmail.com>
//
// Server-side entry points: upgrading HTTP requests or raw sockets to
// WebSocket connections, tracking them in an active-connection registry and
// shutting them down together.
package server
