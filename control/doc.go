// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for server instances and clients: traffic counters fed by
// connections, named gauges, and probes evaluated at snapshot time.
package control
