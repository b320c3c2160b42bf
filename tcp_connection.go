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
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	errs "github.com/lfzxb/greactor/errors"
	"github.com/lfzxb/greactor/internal/buffer"
	"github.com/lfzxb/greactor/internal/logging"
	"github.com/lfzxb/greactor/internal/socket"
)

// connState is the TcpConnection lifecycle: a connection only ever moves
// forward through these four states, never backward.
type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// defaultHighWaterMark is the default output-buffer size, in bytes, past
// which HighWaterMarkCallback fires. 64MiB, matching the engine's
// original default.
const defaultHighWaterMark = 64 * 1024 * 1024

type sendFileTask struct {
	fd        int
	offset    int64
	remaining int64
}

// TcpConnection wraps one established, non-blocking socket: an input
// Buffer filled by the loop's read callback, an output Buffer drained by
// its write callback, and the connect/disconnect state machine. Send,
// Shutdown, ForceClose and SendFile are safe to call from any goroutine
// and hop onto the owning loop via RunInLoop/QueueInLoop when called
// from elsewhere; ConnectEstablished and ConnectDestroyed must run on
// the owning loop's goroutine.
type TcpConnection struct {
	loop   *EventLoop
	name   string
	fd     int
	state  int32
	closed int32 // tieChecker flag; 1 once ConnectDestroyed has run

	channel   *Channel
	localAddr InetAddress
	peerAddr  InetAddress

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer
	sendFile     *sendFileTask

	highWaterMark int

	connectionCallback    func(conn *TcpConnection)
	messageCallback       func(conn *TcpConnection, buf *buffer.Buffer, when time.Time)
	writeCompleteCallback func(conn *TcpConnection)
	highWaterMarkCallback func(conn *TcpConnection, outputBytes int)
	closeCallback         func(conn *TcpConnection)

	context interface{}
}

// NewTcpConnection wraps an already-accepted, non-blocking fd. The
// connection starts in stateConnecting; ConnectEstablished must be
// called (from loop's goroutine) before it becomes readable.
func NewTcpConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr InetAddress) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		fd:            fd,
		state:         int32(stateConnecting),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: defaultHighWaterMark,
	}
	c.channel = NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.Tie(c)

	logging.LogErr(socket.SetKeepAlive(fd, true))
	return c
}

func (c *TcpConnection) destroyed() bool { return atomic.LoadInt32(&c.closed) != 0 }

// Name returns the connection's server-assigned name
// ("<server-name>-<listen ip:port>#n").
func (c *TcpConnection) Name() string { return c.name }

// Fd returns the underlying socket file descriptor.
func (c *TcpConnection) Fd() int { return c.fd }

// LocalAddr returns the local endpoint.
func (c *TcpConnection) LocalAddr() InetAddress { return c.localAddr }

// PeerAddr returns the remote endpoint.
func (c *TcpConnection) PeerAddr() InetAddress { return c.peerAddr }

// GetLoop returns the EventLoop this connection is pinned to.
func (c *TcpConnection) GetLoop() *EventLoop { return c.loop }

// Connected reports whether the connection is in stateConnected.
func (c *TcpConnection) Connected() bool {
	return connState(atomic.LoadInt32(&c.state)) == stateConnected
}

// Disconnected reports whether the connection is in stateDisconnected.
func (c *TcpConnection) Disconnected() bool {
	return connState(atomic.LoadInt32(&c.state)) == stateDisconnected
}

// SetContext attaches arbitrary per-connection user data.
func (c *TcpConnection) SetContext(ctx interface{}) { c.context = ctx }

// Context returns whatever was last passed to SetContext.
func (c *TcpConnection) Context() interface{} { return c.context }

// SetConnectionCallback installs the callback fired once on connect and
// once on disconnect.
func (c *TcpConnection) SetConnectionCallback(cb func(conn *TcpConnection)) {
	c.connectionCallback = cb
}

// SetMessageCallback installs the callback fired whenever bytes land in
// the input buffer.
func (c *TcpConnection) SetMessageCallback(cb func(conn *TcpConnection, buf *buffer.Buffer, when time.Time)) {
	c.messageCallback = cb
}

// SetWriteCompleteCallback installs the callback fired once the output
// buffer has fully drained after having been non-empty.
func (c *TcpConnection) SetWriteCompleteCallback(cb func(conn *TcpConnection)) {
	c.writeCompleteCallback = cb
}

// SetCloseCallback installs the callback the TcpServer uses to remove
// this connection from its registry once it tears down.
func (c *TcpConnection) SetCloseCallback(cb func(conn *TcpConnection)) {
	c.closeCallback = cb
}

// SetHighWaterMarkCallback installs the backpressure callback and the
// output-buffer size, in bytes, that triggers it. The callback fires at
// most once per upward crossing of mark: it will not fire again until
// the buffer has drained back below mark and crossed it again.
func (c *TcpConnection) SetHighWaterMarkCallback(cb func(conn *TcpConnection, outputBytes int), mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetTCPNoDelay toggles TCP_NODELAY on the underlying socket.
func (c *TcpConnection) SetTCPNoDelay(on bool) error {
	return socket.SetTCPNoDelay(c.fd, on)
}

// ConnectEstablished transitions stateConnecting -> stateConnected,
// registers for readability, and fires ConnectionCallback. Called by
// the TcpServer exactly once, from the connection's own loop goroutine.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.assertInLoopGoroutine()
	atomic.StoreInt32(&c.state, int32(stateConnected))
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed tears down the Channel and marks the connection
// destroyed so any already-tied Channel dispatch silently no-ops. Called
// by the TcpServer exactly once, from the connection's own loop
// goroutine, after the close callback has run.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.assertInLoopGoroutine()
	if connState(atomic.LoadInt32(&c.state)) == stateConnected {
		atomic.StoreInt32(&c.state, int32(stateDisconnected))
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	atomic.StoreInt32(&c.closed, 1)
}

func (c *TcpConnection) handleRead(when time.Time) {
	c.loop.assertInLoopGoroutine()
	n, errno := c.inputBuffer.ReadFD(c.fd)
	switch {
	case errno != nil:
		if errno == unix.EAGAIN {
			return
		}
		logging.Errorf("TcpConnection %s read: %v", c.name, errno)
		c.handleError()
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, when)
		}
	default:
		c.handleClose()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.assertInLoopGoroutine()
	if !c.channel.IsWriting() {
		logging.Debugf("TcpConnection %s is down, no more writing", c.name)
		return
	}

	if c.sendFile != nil {
		c.continueSendFile()
		return
	}

	n, err := c.outputBuffer.WriteFD(c.fd)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		logging.Errorf("TcpConnection %s write: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if connState(atomic.LoadInt32(&c.state)) == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConnection) handleClose() {
	c.loop.assertInLoopGoroutine()
	atomic.StoreInt32(&c.state, int32(stateDisconnected))
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	err := socket.SOError(c.fd)
	logging.Errorf("TcpConnection %s SO_ERROR: %v", c.name, err)
}

// Send schedules data for writing. If the connection is on its own loop
// goroutine it writes immediately (falling back to buffering only what
// the kernel won't take right now); otherwise the bytes are copied and
// queued for the loop goroutine to send.
func (c *TcpConnection) Send(data []byte) {
	if connState(atomic.LoadInt32(&c.state)) != stateConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(buf) })
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.assertInLoopGoroutine()
	if connState(atomic.LoadInt32(&c.state)) == stateDisconnected {
		logging.Debugf("TcpConnection %s disconnected, giving up on write", c.name)
		return
	}

	var nwrote int
	var faultError bool
	remaining := len(data)

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if err != nil {
			nwrote = 0
			if err != unix.EAGAIN {
				logging.Errorf("TcpConnection %s write: %v", c.name, err)
				if err == unix.EPIPE || err == unix.ECONNRESET {
					faultError = true
				}
			}
		} else {
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		}
	}

	if faultError || remaining <= 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	newLen := oldLen + remaining
	if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, newLen) })
	}
	c.outputBuffer.Append(data[nwrote:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the connection's write side once any buffered
// output has drained, allowing the peer to finish reading before the
// socket is fully torn down. The read side stays open.
func (c *TcpConnection) Shutdown() {
	if connState(atomic.LoadInt32(&c.state)) == stateConnected {
		atomic.StoreInt32(&c.state, int32(stateDisconnecting))
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.assertInLoopGoroutine()
	if !c.channel.IsWriting() {
		logging.LogErr(socket.ShutdownWrite(c.fd))
	}
}

// ForceClose tears the connection down immediately, abandoning any
// unsent buffered output, instead of waiting for a graceful Shutdown
// drain.
func (c *TcpConnection) ForceClose() {
	st := connState(atomic.LoadInt32(&c.state))
	if st == stateConnected || st == stateDisconnecting {
		atomic.StoreInt32(&c.state, int32(stateDisconnecting))
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *TcpConnection) forceCloseInLoop() {
	c.loop.assertInLoopGoroutine()
	st := connState(atomic.LoadInt32(&c.state))
	if st == stateConnected || st == stateDisconnecting {
		c.handleClose()
	}
}

// SendFile streams count bytes from src, starting at offset, directly to
// the socket via sendfile(2), bypassing a userspace copy through either
// Buffer. It cannot be interleaved with buffered Send calls or
// concurrent SendFile calls on the same connection; callers must wait
// for one to finish (via WriteCompleteCallback) before starting
// another.
func (c *TcpConnection) SendFile(src *os.File, offset, count int64) error {
	if !c.Connected() {
		return errs.ErrConnectionClosed
	}
	if c.loop.IsInLoopGoroutine() {
		return c.sendFileInLoop(int(src.Fd()), offset, count)
	}
	result := make(chan error, 1)
	c.loop.QueueInLoop(func() { result <- c.sendFileInLoop(int(src.Fd()), offset, count) })
	return <-result
}

func (c *TcpConnection) sendFileInLoop(fd int, offset, count int64) error {
	c.loop.assertInLoopGoroutine()
	if connState(atomic.LoadInt32(&c.state)) != stateConnected {
		return errs.ErrConnectionClosed
	}
	if c.channel.IsWriting() || c.outputBuffer.ReadableBytes() > 0 || c.sendFile != nil {
		return fmt.Errorf("greactor: connection %s is busy writing, cannot sendfile", c.name)
	}

	end := offset + count
	for offset < end {
		n, err := unix.Sendfile(c.fd, fd, &offset, int(end-offset))
		if err != nil {
			if err == unix.EAGAIN {
				c.sendFile = &sendFileTask{fd: fd, offset: offset, remaining: end - offset}
				c.channel.EnableWriting()
				return nil
			}
			return err
		}
		if n == 0 {
			break
		}
	}

	if c.writeCompleteCallback != nil {
		c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
	}
	return nil
}

func (c *TcpConnection) continueSendFile() {
	task := c.sendFile
	for task.remaining > 0 {
		n, err := unix.Sendfile(c.fd, task.fd, &task.offset, int(task.remaining))
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			logging.Errorf("TcpConnection %s sendfile: %v", c.name, err)
			c.sendFile = nil
			c.channel.DisableWriting()
			return
		}
		if n == 0 {
			break
		}
		task.remaining -= int64(n)
	}

	c.sendFile = nil
	c.channel.DisableWriting()
	if c.writeCompleteCallback != nil {
		c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
	}
	if connState(atomic.LoadInt32(&c.state)) == stateDisconnecting {
		c.shutdownInLoop()
	}
}
