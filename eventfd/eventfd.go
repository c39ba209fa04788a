// Package eventfd wraps Linux eventfd objects, which virtio transports use as
// doorbells, and an epoll set to wait on several of them.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("eventfd is closed")

type EventFD struct {
	fd  int
	buf [8]byte
}

// New creates a non-blocking eventfd with a counter of zero.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the counter, waking up whoever waits on the eventfd.
func (e *EventFD) Kick() error {
	return e.Signal(1)
}

// Signal adds n to the counter.
func (e *EventFD) Signal(n uint64) error {
	if e.fd < 0 {
		return ErrClosed
	}
	binary.NativeEndian.PutUint64(e.buf[:], n)
	for {
		_, err := unix.Write(e.fd, e.buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("write eventfd: %w", err)
		}
		return nil
	}
}

// Drain reads and resets the counter. It returns 0 when the eventfd was not
// signaled.
func (e *EventFD) Drain() (uint64, error) {
	if e.fd < 0 {
		return 0, ErrClosed
	}
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		switch err {
		case nil:
			return binary.NativeEndian.Uint64(buf[:]), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		default:
			return 0, fmt.Errorf("read eventfd: %w", err)
		}
	}
}

// Close closes the eventfd. It is safe to call Close more than once.
func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	return unix.Close(fd)
}

func (e *EventFD) FD() int {
	return e.fd
}

type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 16),
	}, nil
}

// Add makes Wait report fdToAdd when it becomes readable.
func (ep *Epoll) Add(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event); err != nil {
		return fmt.Errorf("add fd %d to epoll: %w", fdToAdd, err)
	}
	return nil
}

// Remove stops watching fd.
func (ep *Epoll) Remove(fd int) error {
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("remove fd %d from epoll: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one watched fd is readable or the timeout
// passes, and returns the readable fds. A negative timeout waits forever.
// An interrupted wait returns no fds and no error.
func (ep *Epoll) Wait(timeout time.Duration) ([]int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(ep.fd, ep.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	fds := make([]int, n)
	for i := range n {
		fds[i] = int(ep.events[i].Fd)
	}
	return fds, nil
}

// Close closes the epoll set. It is safe to call Close more than once.
func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	fd := ep.fd
	ep.fd = -1
	return unix.Close(fd)
}
