// Package transport
// Author: momentics <momentics@gmail.com>
//
// Reactor-driven WebSocket transport. Dial returns the initiating side with
// a single connection; Listen returns the responding side which accepts any
// number of connections on one endpoint path. All socket work is
// non-blocking and happens inside reactor callbacks.
package transport
