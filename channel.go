// Copyright (c) 2019 Andy Pan
// Copyright (c) 2018 Joshua J Baker
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package greactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// Channel index states, tracking where (if anywhere) a Channel currently
// sits in its Poller's epoll instance.
const (
	channelNew = iota - 1 // never added
	channelAdded
	channelDeleted // added once, currently removed from epoll but still tracked
)

const (
	channelNoneEvent  = 0
	channelReadEvent  = unix.EPOLLIN | unix.EPOLLPRI
	channelWriteEvent = unix.EPOLLOUT
)

// tieChecker lets a Channel ask its owning TcpConnection whether it has
// already been torn down, without the Channel needing a destructor or a
// full weak-reference type. Go's GC gives no simple analogue to a
// std::weak_ptr, so the tie is approximated by holding the owner pointer
// directly alongside an atomic "destroyed" flag the owner flips exactly
// once in ConnectDestroyed; HandleEvent consults it before dispatch
// instead of attempting to "upgrade" a weak handle.
type tieChecker interface {
	destroyed() bool
}

// Channel multiplexes the four event callbacks a single fd can raise onto
// one owning EventLoop. It holds no buffering and no connection logic of
// its own; TcpConnection and Acceptor each own one and wire callbacks
// into it.
type Channel struct {
	loop   *EventLoop
	fd     int
	events uint32
	revents uint32
	index  int8

	tied     bool
	tieOwner tieChecker

	eventHandling bool
	addedToLoop   bool

	readCallback  func(when time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel creates a Channel for fd, owned by loop. The Channel is not
// registered with the poller until EnableReading/EnableWriting is called.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, events: channelNoneEvent, index: channelNew}
}

// Fd returns the underlying file descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the currently registered interest mask.
func (c *Channel) Events() uint32 { return c.events }

// SetRevents records the events the poller reported ready on this fd.
func (c *Channel) SetRevents(revents uint32) { c.revents = revents }

// Index reports the Channel's current poller index state.
func (c *Channel) Index() int8 { return c.index }

// SetIndex is called by the Poller to record a transition in the index
// state machine (new -> added -> deleted -> added ...).
func (c *Channel) SetIndex(index int8) { c.index = index }

// OwnerLoop returns the EventLoop this Channel is registered on.
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

// SetReadCallback installs the callback invoked when the fd becomes
// readable (or hits EPOLLHUP paired with EPOLLIN, or EPOLLRDHUP).
func (c *Channel) SetReadCallback(cb func(when time.Time)) { c.readCallback = cb }

// SetWriteCallback installs the callback invoked when the fd becomes
// writable.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the callback invoked on EPOLLHUP without
// EPOLLIN (peer closed, nothing left to read).
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the callback invoked on EPOLLERR.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// Tie binds the Channel's dispatch to the lifetime of owner: once owner
// reports destroyed() == true, HandleEvent becomes a no-op. TcpConnection
// calls this from its constructor.
func (c *Channel) Tie(owner tieChecker) {
	c.tieOwner = owner
	c.tied = true
}

// EnableReading adds the read interest bits and pushes the change to the
// owning loop's poller.
func (c *Channel) EnableReading() {
	c.events |= channelReadEvent
	c.update()
}

// DisableReading removes the read interest bits.
func (c *Channel) DisableReading() {
	c.events &^= channelReadEvent
	c.update()
}

// EnableWriting adds the write interest bit.
func (c *Channel) EnableWriting() {
	c.events |= channelWriteEvent
	c.update()
}

// DisableWriting removes the write interest bit.
func (c *Channel) DisableWriting() {
	c.events &^= channelWriteEvent
	c.update()
}

// DisableAll clears every interest bit, leaving the Channel registered
// but idle.
func (c *Channel) DisableAll() {
	c.events = channelNoneEvent
	c.update()
}

// IsNoneEvent reports whether the Channel currently has no interest bits
// set.
func (c *Channel) IsNoneEvent() bool { return c.events == channelNoneEvent }

// IsWriting reports whether the write interest bit is set.
func (c *Channel) IsWriting() bool { return c.events&channelWriteEvent != 0 }

// IsReading reports whether the read interest bit is set.
func (c *Channel) IsReading() bool { return c.events&channelReadEvent != 0 }

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// Remove unregisters the Channel from its loop entirely. Callers must
// have already disabled all events (DisableAll) and must not be inside
// HandleEvent for this Channel.
func (c *Channel) Remove() {
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

// HandleEvent dispatches revents to the installed callbacks in the fixed
// order close -> error -> read -> write (EPOLLNVAL short-circuits straight
// to error), matching the poller's report from the most recent Wait. If
// the Channel is tied to an owner that has since been destroyed, dispatch
// is skipped entirely.
func (c *Channel) HandleEvent(when time.Time) {
	if c.tied && c.tieOwner != nil && c.tieOwner.destroyed() {
		return
	}
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	if c.revents&unix.EPOLLNVAL != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
		return
	}

	if c.revents&(unix.EPOLLHUP) != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(when)
		}
	}
	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
