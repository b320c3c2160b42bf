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

	"github.com/lfzxb/greactor/internal/buffer"
)

// EventHandler is the application hook into a TcpServer's connection
// lifecycle. Every method runs on the goroutine of the EventLoop the
// connection is pinned to, so an EventHandler never needs its own
// locking around a single connection's state.
type EventHandler interface {
	// OnConnect fires once a connection's accept handshake is complete
	// and once more, with the same conn, right before it tears down;
	// conn.Connected() distinguishes the two.
	OnConnect(conn *TcpConnection)
	// OnMessage fires whenever new bytes have landed in the connection's
	// input buffer. It is the handler's job to Retrieve whatever it
	// consumed; bytes left in buf persist until the next read.
	OnMessage(conn *TcpConnection, buf *buffer.Buffer, when time.Time)
	// OnWriteComplete fires once the output buffer has fully drained
	// after having been non-empty.
	OnWriteComplete(conn *TcpConnection)
	// OnHighWaterMark fires at most once per upward crossing of the
	// configured high water mark; outputBytes is the buffer size, in
	// bytes, at the moment it crossed.
	OnHighWaterMark(conn *TcpConnection, outputBytes int)
}

// BaseEventHandler implements EventHandler with no-op methods so callers
// can embed it and override only the callbacks they care about.
type BaseEventHandler struct{}

func (BaseEventHandler) OnConnect(*TcpConnection)                            {}
func (BaseEventHandler) OnMessage(*TcpConnection, *buffer.Buffer, time.Time) {}
func (BaseEventHandler) OnWriteComplete(*TcpConnection)                     {}
func (BaseEventHandler) OnHighWaterMark(*TcpConnection, int)                 {}

var _ EventHandler = BaseEventHandler{}
