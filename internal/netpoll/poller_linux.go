// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package netpoll is a thin wrapper over the Linux epoll(7) syscalls: it
// knows nothing about Channels or connections, only fds and event masks.
// The level-triggered readiness semantics and the eventfd-based wakeup are
// owned here; everything above this package works in terms of Channels.
package netpoll

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// ReadEvents is the level-triggered read interest mask.
	ReadEvents = unix.EPOLLIN | unix.EPOLLPRI
	// WriteEvents is the level-triggered write interest mask.
	WriteEvents = unix.EPOLLOUT
	// ReadWriteEvents is the union of ReadEvents and WriteEvents.
	ReadWriteEvents = ReadEvents | WriteEvents
)

// InitEvents is the initial capacity of the event buffer passed to
// EpollWait; Poller.Wait doubles it whenever a call returns a completely
// full buffer, amortizing growth for busy loops.
const InitEvents = 128

// EventList is a growable buffer of raw epoll events populated by Wait.
type EventList struct {
	size   int
	Events []unix.EpollEvent
}

// NewEventList returns an EventList with the given initial capacity.
func NewEventList(size int) *EventList {
	return &EventList{size: size, Events: make([]unix.EpollEvent, size)}
}

func (el *EventList) increase() {
	el.size <<= 1
	el.Events = make([]unix.EpollEvent, el.size)
}

// Poller wraps one epoll instance plus an eventfd used to wake a blocked
// Wait from another goroutine.
type Poller struct {
	fd        int
	wakeupFD  int
	wakeupBuf [8]byte
}

// Open creates a new epoll instance and its paired wakeup eventfd.
func Open() (*Poller, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	r0, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC, 0)
	if errno != 0 {
		_ = unix.Close(epollFD)
		return nil, errno
	}
	p := &Poller{fd: epollFD, wakeupFD: int(r0)}
	if err := p.Add(p.wakeupFD, ReadEvents); err != nil {
		_ = unix.Close(p.wakeupFD)
		_ = unix.Close(epollFD)
		return nil, err
	}
	return p, nil
}

// Close releases the epoll fd and the wakeup eventfd.
func (p *Poller) Close() error {
	if err := unix.Close(p.wakeupFD); err != nil {
		return err
	}
	return unix.Close(p.fd)
}

// WakeupFD returns the eventfd used to interrupt a blocked Wait. Callers
// must recognize it in the returned events and call DrainWakeup.
func (p *Poller) WakeupFD() int { return p.wakeupFD }

// Wakeup writes to the eventfd, making it readable and unblocking any
// concurrent epoll_wait.
func (p *Poller) Wakeup() error {
	one := uint64(1)
	b := (*(*[8]byte)(unsafe.Pointer(&one)))[:]
	_, err := unix.Write(p.wakeupFD, b)
	return err
}

// DrainWakeup consumes the 8-byte counter written by Wakeup so the
// eventfd stops reporting readable.
func (p *Poller) DrainWakeup() error {
	_, err := unix.Read(p.wakeupFD, p.wakeupBuf[:])
	return err
}

// Add registers fd for the given event mask. O(1) kernel-side operation.
func (p *Poller) Add(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

// Modify changes the event mask of a registered fd.
func (p *Poller) Modify(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

// Delete unregisters fd from the epoll instance.
func (p *Poller) Delete(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMS milliseconds (-1 = infinite, 0 =
// non-blocking) and fills el.Events with ready events, growing el when a
// call returns a completely full buffer. EINTR is swallowed and reported
// as zero events.
func (p *Poller) Wait(el *EventList, timeoutMS int) (n int, err error) {
	n, err = unix.EpollWait(p.fd, el.Events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == el.size {
		el.increase()
	}
	return n, nil
}
