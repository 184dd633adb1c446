// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded poll-mode event reactor. Every
// timer firing, frame arrival and handler invocation runs inside a callback
// dispatched from Run on one locked OS thread; the epoll wait is the only
// blocking point of the process.
package reactor
