// Package session
// Author: momentics <momentics@gmail.com>
//
// Registry of live connections for one server instance. Entries are
// non-owning: a connection removes itself during teardown, and shutdown code
// iterates a snapshot and waits for the registry to drain.

package session
