// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable buffers for the transport read and write paths. Everything here
// is used from the reactor thread, but the pools are safe for concurrent use.
package pool
