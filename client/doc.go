// Package client
// Author: momentics <momentics@gmail.com>
//
// Client-side handshake initiator: resolves ws, wss, http and https URLs,
// performs the opening handshake over TCP or TLS and hands the socket to a
// client-role connection.
package client
