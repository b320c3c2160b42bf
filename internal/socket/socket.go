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

// Package socket holds the raw, non-blocking TCP socket plumbing: creating
// a listener, accepting connections, and the handful of sockopt setters
// the engine needs. Nothing here knows about Channels or event loops.
package socket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the fixed backlog every listener is created with.
const ListenBacklog = 1024

// CreateListener builds a non-blocking, close-on-exec IPv4 TCP listener fd
// bound to ip:port, with SO_REUSEADDR always on and SO_REUSEPORT set when
// reusePort is true.
func CreateListener(ip string, port int, reusePort bool) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}

	// SO_REUSEADDR is unconditional: a restarted server must be able to
	// rebind a port still draining TIME_WAIT.
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	if reusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			_ = unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt", err)
		}
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	if ip != "" {
		addr := net.ParseIP(ip)
		if addr == nil {
			_ = unix.Close(fd)
			return -1, &net.AddrError{Err: "invalid IPv4 address", Addr: ip}
		}
		copy(sa.Addr[:], addr.To4())
	}
	if err = unix.Bind(fd, &sa); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err = unix.Listen(fd, ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

// Accept accepts one pending connection off the listener fd, returning a
// non-blocking, close-on-exec connected fd and its raw peer sockaddr.
// A nil error with fd == -1 never happens; callers distinguish EAGAIN by
// checking err against unix.EAGAIN.
func Accept(listenFD int) (connFD int, sa unix.Sockaddr, err error) {
	connFD, sa, err = unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return connFD, sa, nil
}

// GetsockName returns the local sockaddr bound to fd.
func GetsockName(fd int) (unix.Sockaddr, error) {
	return unix.Getsockname(fd)
}

// SetTCPNoDelay toggles TCP_NODELAY (disables Nagle's algorithm).
func SetTCPNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

// SetKeepAlive toggles SO_KEEPALIVE.
func SetKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

// SetRecvBuffer sets SO_RCVBUF.
func SetRecvBuffer(fd, bytes int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
}

// SetSendBuffer sets SO_SNDBUF.
func SetSendBuffer(fd, bytes int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
}

// ShutdownWrite half-closes the write side of fd, leaving the read side
// open (graceful close).
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// SOError reads and clears the pending SO_ERROR on fd.
func SOError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
