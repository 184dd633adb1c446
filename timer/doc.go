// Package timer
// Author: momentics <momentics@gmail.com>
//
// Timer subsystem: OS countdown/interval descriptors (timerfd) registered with
// the reactor. Each firing re-enters its callback exactly once on the reactor
// thread; one-shot timers dispose themselves after firing.
package timer
