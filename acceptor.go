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
	"github.com/lfzxb/greactor/internal/socket"
)

// Acceptor owns the listening socket on the server's base loop. It never
// migrates a new connection's fd anywhere itself; it just hands the fd
// and peer address to whatever NewConnectionCallback the TcpServer
// installed, which decides which sub-reactor loop picks it up.
type Acceptor struct {
	loop         *EventLoop
	listenFD     int
	channel      *Channel
	listening    bool
	newConnFunc  func(connFD int, peer InetAddress)

	// idleFD is a spare, already-open fd held in reserve so that when
	// accept(2) fails with EMFILE/ENFILE the acceptor can close it,
	// accept the pending connection just to drop it, and reopen the
	// reserve - otherwise a starved listener spins at 100% CPU
	// re-triggering EPOLLIN on the same backlog entry forever.
	idleFD int
}

// NewAcceptor creates a listening socket bound to listenAddr and wraps
// it in a Channel owned by loop. The socket is not yet registered for
// readability; call Listen to start accepting.
func NewAcceptor(loop *EventLoop, listenAddr InetAddress, reusePort bool) (*Acceptor, error) {
	fd, err := socket.CreateListener(listenAddr.ToIP(), int(listenAddr.ToPort()), reusePort)
	if err != nil {
		return nil, err
	}

	a := &Acceptor{loop: loop, listenFD: fd, idleFD: openIdleFD()}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func openIdleFD() int {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		logging.Errorf("acceptor: failed to reserve idle fd: %v", err)
		return -1
	}
	return fd
}

// SetNewConnectionCallback installs the function invoked for each
// accepted connection.
func (a *Acceptor) SetNewConnectionCallback(cb func(connFD int, peer InetAddress)) {
	a.newConnFunc = cb
}

// Listen enables readability on the listening socket. Must be called
// from the acceptor's loop goroutine.
func (a *Acceptor) Listen() {
	a.loop.assertInLoopGoroutine()
	a.listening = true
	a.channel.EnableReading()
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// ListenAddr returns the address actually bound, which differs from the
// address NewAcceptor was given when that address's port was 0 (the
// kernel picks an ephemeral port).
func (a *Acceptor) ListenAddr() (InetAddress, error) {
	sa, err := socket.GetsockName(a.listenFD)
	if err != nil {
		return InetAddress{}, err
	}
	addr, _ := FromSockaddr(sa)
	return addr, nil
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.assertInLoopGoroutine()
	for {
		connFD, sa, err := socket.Accept(a.listenFD)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				a.handleFileLimitReached()
				return
			default:
				logging.Errorf("acceptor: accept failed: %v", err)
				return
			}
		}

		if a.newConnFunc == nil {
			_ = unix.Close(connFD)
			continue
		}
		peer, ok := FromSockaddr(sa)
		if !ok {
			logging.Errorf("acceptor: accepted non-IPv4 peer, dropping fd %d", connFD)
			_ = unix.Close(connFD)
			continue
		}
		a.newConnFunc(connFD, peer)
	}
}

// handleFileLimitReached runs when accept(2) returns EMFILE/ENFILE: the
// process is out of fds, so the listening socket would otherwise spin
// hot re-reporting the same pending connection forever. Freeing the
// reserved idle fd buys one spare fd to accept-and-drop the head of the
// backlog, then the reserve is reopened for next time.
func (a *Acceptor) handleFileLimitReached() {
	if a.idleFD >= 0 {
		_ = unix.Close(a.idleFD)
	}
	connFD, _, err := unix.Accept4(a.listenFD, unix.SOCK_CLOEXEC)
	if err == nil {
		_ = unix.Close(connFD)
	}
	a.idleFD = openIdleFD()
}

// Close stops accepting and releases the listening socket and idle fd.
// Must be called from the acceptor's loop goroutine.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	if a.idleFD >= 0 {
		_ = unix.Close(a.idleFD)
	}
	return unix.Close(a.listenFD)
}
