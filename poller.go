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

//go:build linux
// +build linux

package greactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/lfzxb/greactor/internal/logging"
	"github.com/lfzxb/greactor/internal/netpoll"
)

// poller owns one epoll instance plus the fd -> Channel registry. It is
// the only piece of the engine that knows both about raw epoll_ctl
// semantics (via internal/netpoll) and about Channel's index state
// machine; everything above it only ever sees Channels.
type poller struct {
	np       *netpoll.Poller
	channels map[int]*Channel
	elist    *netpoll.EventList
}

func newPoller() (*poller, error) {
	np, err := netpoll.Open()
	if err != nil {
		return nil, err
	}
	return &poller{
		np:       np,
		channels: make(map[int]*Channel),
		elist:    netpoll.NewEventList(netpoll.InitEvents),
	}, nil
}

func (p *poller) close() error { return p.np.Close() }

func (p *poller) wakeupFD() int { return p.np.WakeupFD() }

func (p *poller) wakeup() error { return p.np.Wakeup() }

// poll blocks for up to timeoutMS and appends every ready Channel (other
// than the internal wakeup fd, which it drains silently) to active.
func (p *poller) poll(timeoutMS int, active *[]*Channel) (time.Time, error) {
	n, err := p.np.Wait(p.elist, timeoutMS)
	now := time.Now()
	if err != nil {
		return now, err
	}
	for i := 0; i < n; i++ {
		ev := p.elist.Events[i]
		fd := int(ev.Fd)
		if fd == p.np.WakeupFD() {
			logging.LogErr(p.np.DrainWakeup())
			continue
		}
		c, ok := p.channels[fd]
		if !ok {
			continue
		}
		c.SetRevents(ev.Events)
		*active = append(*active, c)
	}
	return now, nil
}

// updateChannel drives the Channel index state machine:
//
//	new      -> registered with EPOLL_CTL_ADD, index becomes added
//	deleted  -> re-registered with EPOLL_CTL_ADD, index becomes added
//	added    -> EPOLL_CTL_MOD, or EPOLL_CTL_DEL + index becomes deleted
//	           if the Channel now has no interest at all
func (p *poller) updateChannel(c *Channel) {
	index := c.Index()
	fd := c.Fd()
	switch index {
	case channelNew:
		p.channels[fd] = c
		c.SetIndex(channelAdded)
		p.ctl(unix.EPOLL_CTL_ADD, c)
	case channelDeleted:
		c.SetIndex(channelAdded)
		p.ctl(unix.EPOLL_CTL_ADD, c)
	default: // channelAdded
		if c.IsNoneEvent() {
			p.ctl(unix.EPOLL_CTL_DEL, c)
			c.SetIndex(channelDeleted)
		} else {
			p.ctl(unix.EPOLL_CTL_MOD, c)
		}
	}
}

// removeChannel drops a Channel from the registry entirely and, if it
// was still registered with epoll, issues the EPOLL_CTL_DEL.
func (p *poller) removeChannel(c *Channel) {
	fd := c.Fd()
	delete(p.channels, fd)
	if c.Index() == channelAdded {
		p.ctl(unix.EPOLL_CTL_DEL, c)
	}
	c.SetIndex(channelNew)
}

// hasChannel reports whether c is the exact Channel currently registered
// for its fd.
func (p *poller) hasChannel(c *Channel) bool {
	existing, ok := p.channels[c.Fd()]
	return ok && existing == c
}

func (p *poller) ctl(op int, c *Channel) {
	var err error
	switch op {
	case unix.EPOLL_CTL_ADD:
		err = p.np.Add(c.Fd(), c.Events())
	case unix.EPOLL_CTL_MOD:
		err = p.np.Modify(c.Fd(), c.Events())
	case unix.EPOLL_CTL_DEL:
		err = p.np.Delete(c.Fd())
	}
	if err != nil {
		if op == unix.EPOLL_CTL_DEL {
			logging.Errorf("epoll_ctl del fd=%d: %v", c.Fd(), err)
			return
		}
		// A failed ADD/MOD leaves the Channel's interest desynced from
		// the kernel's view of it: the loop would silently stop seeing
		// events for this fd. Treated as fatal, matching the engine's
		// registration-fatal error class.
		logging.Fatalf("epoll_ctl add/mod fd=%d events=%d: %v", c.Fd(), c.Events(), err)
	}
}
