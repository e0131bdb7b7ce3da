// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable memory for the frame write path: a generic typed wrapper over
// sync.Pool and a byte-slice pool bucketed by power-of-two size classes.
package pool
