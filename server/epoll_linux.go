//go:build linux

package server

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	connEvents     = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET
	listenerEvents = unix.EPOLLIN | unix.EPOLLET
	hangupEvents   = unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLERR
)

// EpollReactor is the Linux Reactor. Every registration is edge-triggered.
type EpollReactor struct {
	fd  int
	raw []unix.EpollEvent
}

// NewEpollReactor creates an epoll instance able to report up to maxEvents
// notifications per Wait.
func NewEpollReactor(maxEvents int) (*EpollReactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if maxEvents <= 0 {
		maxEvents = 128
	}
	return &EpollReactor{fd: fd, raw: make([]unix.EpollEvent, maxEvents)}, nil
}

// Register adds fd under t. The listener token only asks for read readiness.
func (r *EpollReactor) Register(fd int, t Token) error {
	ev := unix.EpollEvent{Events: connEvents}
	if t == listenerToken {
		ev.Events = listenerEvents
	}
	packToken(&ev, t)
	if err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

// Deregister removes fd from the interest list.
func (r *EpollReactor) Deregister(fd int) error {
	err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_DEL, fd, nil)
	switch err {
	case nil, unix.ENOENT, unix.EBADF:
		return nil
	default:
		return os.NewSyscallError("epoll_ctl del", err)
	}
}

// Wait blocks for at most timeout. A negative timeout blocks indefinitely.
// A positive timeout under a millisecond waits a full millisecond.
func (r *EpollReactor) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) > len(r.raw) {
		r.raw = make([]unix.EpollEvent, len(events))
	}

	msec := waitMillis(timeout)

	n, err := unix.EpollWait(r.fd, r.raw[:len(events)], msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		raw := r.raw[i]
		events[i] = Event{
			Token:    unpackToken(&raw),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&hangupEvents != 0,
		}
	}
	return n, nil
}

// Close releases the epoll descriptor.
func (r *EpollReactor) Close() error {
	return os.NewSyscallError("close", unix.Close(r.fd))
}

// The 64-bit epoll user data is exposed by x/sys as two 32-bit words.
func packToken(ev *unix.EpollEvent, t Token) {
	ev.Fd = int32(uint32(t))
	ev.Pad = int32(uint32(t >> 32))
}

func unpackToken(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}

func waitMillis(timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout > 0 && timeout < time.Millisecond:
		return 1
	default:
		return int(timeout / time.Millisecond)
	}
}
