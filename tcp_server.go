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
	"sync"

	"golang.org/x/sys/unix"

	"github.com/panjf2000/ants/v2"

	errs "github.com/lfzxb/greactor/errors"
	"github.com/lfzxb/greactor/internal/logging"
	"github.com/lfzxb/greactor/internal/socket"
)

// TcpServer is the top-level façade: one Acceptor on a base loop, a pool
// of sub-reactor loops each accepted connection is round-robin'd onto,
// and a registry of live connections keyed by name.
type TcpServer struct {
	opts       Options
	name       string
	listenAddr InetAddress
	handler    EventHandler

	baseLoop       *EventLoop
	baseLoopThread *EventLoopThread
	threadPool     *EventLoopThreadPool
	acceptor       *Acceptor

	// cleanupPool runs the fd close that follows ConnectDestroyed off
	// the owning loop's goroutine, so a burst of disconnects never
	// blocks that loop's next epoll_wait on close(2) syscalls.
	cleanupPool *ants.Pool

	mu          sync.Mutex
	connections map[string]*TcpConnection
	nextConnID  uint64

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// NewTcpServer builds a server that will listen on listenAddr and
// dispatch every lifecycle event to handler. handler must not be nil.
func NewTcpServer(listenAddr InetAddress, handler EventHandler, opts ...Option) (*TcpServer, error) {
	if handler == nil {
		return nil, errs.ErrEmptyEngine
	}

	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	o.applyLogging()

	pool, err := ants.NewPool(o.cleanupPoolSize)
	if err != nil {
		return nil, fmt.Errorf("greactor: creating cleanup pool: %w", err)
	}

	return &TcpServer{
		opts:        o,
		name:        o.name,
		listenAddr:  listenAddr,
		handler:     handler,
		cleanupPool: pool,
		connections: make(map[string]*TcpConnection),
	}, nil
}

// Name returns the server's configured name.
func (s *TcpServer) Name() string { return s.name }

// ListenAddr returns the address the server was configured to bind.
func (s *TcpServer) ListenAddr() InetAddress { return s.listenAddr }

// ConnectionCount returns the number of currently registered
// connections. Safe to call from any goroutine.
func (s *TcpServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Start spins up the base loop's goroutine, the sub-reactor pool, and
// the listening socket, then returns once the server is actually
// accepting connections. Calling Start more than once is a no-op that
// returns the first call's result.
func (s *TcpServer) Start() error {
	s.startOnce.Do(func() {
		s.baseLoopThread = NewEventLoopThread(s.name+"-acceptor", nil)
		s.baseLoop = s.baseLoopThread.StartLoop()

		s.threadPool = NewEventLoopThreadPool(s.baseLoop, s.name+"-worker")
		s.threadPool.SetThreadNum(s.opts.numEventLoopThreads)

		// The acceptor's Channel must be built and registered from the
		// base loop's own goroutine: Channel registration asserts its
		// caller is on-loop, and RunInLoop guarantees that whether
		// Start is called from the base loop or (the common case) from
		// whatever goroutine called NewTcpServer.
		done := make(chan error, 1)
		s.baseLoop.RunInLoop(func() {
			acc, err := NewAcceptor(s.baseLoop, s.listenAddr, s.opts.reusePort)
			if err != nil {
				done <- fmt.Errorf("%w: %v", errs.ErrAcceptSocket, err)
				return
			}
			acc.SetNewConnectionCallback(s.newConnection)
			s.acceptor = acc

			s.threadPool.Start(nil)
			acc.Listen()
			logging.Infof("TcpServer %s listening on %s", s.name, s.listenAddr.ToIPPort())
			done <- nil
		})
		s.startErr = <-done
	})
	return s.startErr
}

// Stop closes the acceptor, tears down every live connection, and joins
// every loop goroutine before returning. Safe to call more than once;
// only the first call does anything.
func (s *TcpServer) Stop() {
	s.stopOnce.Do(func() {
		if s.acceptor != nil {
			done := make(chan struct{})
			s.baseLoop.RunInLoop(func() {
				logging.Infof("TcpServer %s stopping", s.name)
				logging.LogErr(s.acceptor.Close())
				close(done)
			})
			<-done
		}

		s.mu.Lock()
		conns := make([]*TcpConnection, 0, len(s.connections))
		for _, c := range s.connections {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, c := range conns {
			conn := c
			wg.Add(1)
			conn.GetLoop().RunInLoop(func() {
				conn.ConnectDestroyed()
				wg.Done()
			})
		}
		wg.Wait()

		if s.threadPool != nil {
			for _, loop := range s.threadPool.GetAllLoops() {
				loop.Quit()
			}
			s.threadPool.Join()
		}
		if s.baseLoop != nil {
			s.baseLoop.Quit()
		}
		if s.baseLoopThread != nil {
			s.baseLoopThread.Join()
		}
		s.cleanupPool.Release()
	})
}

// newConnection is the Acceptor's NewConnectionCallback: it runs on the
// base loop's goroutine, picks the next sub-reactor loop round-robin,
// and wires the new TcpConnection's callbacks to the handler before
// handing it off to its loop.
func (s *TcpServer) newConnection(fd int, peer InetAddress) {
	ioLoop := s.threadPool.GetNextLoop()

	s.mu.Lock()
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.listenAddr.ToIPPort(), s.nextConnID)
	s.mu.Unlock()

	var localAddr InetAddress
	if sa, err := socket.GetsockName(fd); err == nil {
		if a, ok := FromSockaddr(sa); ok {
			localAddr = a
		}
	}

	logging.Infof("TcpServer %s: new connection %s from %s", s.name, connName, peer)

	conn := NewTcpConnection(ioLoop, connName, fd, localAddr, peer)
	conn.SetConnectionCallback(s.handler.OnConnect)
	conn.SetMessageCallback(s.handler.OnMessage)
	conn.SetWriteCompleteCallback(s.handler.OnWriteComplete)
	conn.SetHighWaterMarkCallback(s.handler.OnHighWaterMark, s.opts.highWaterMark)
	conn.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is a TcpConnection's CloseCallback: it runs on that
// connection's own loop goroutine (from handleClose), so the registry
// mutation is hopped back onto the base loop to serialize it against
// newConnection, matching how muduo's removeConnection bounces onto the
// server's own loop before the final teardown runs on the connection's.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.baseLoop.assertInLoopGoroutine()

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	ioLoop := conn.GetLoop()
	ioLoop.QueueInLoop(func() {
		conn.ConnectDestroyed()

		fd := conn.Fd()
		err := s.cleanupPool.Submit(func() {
			if err := unix.Close(fd); err != nil {
				logging.Errorf("TcpServer %s: close fd %d: %v", s.name, fd, err)
			}
		})
		if err != nil {
			logging.Errorf("TcpServer %s: cleanup pool submit failed, closing fd %d inline: %v", s.name, fd, err)
			_ = unix.Close(fd)
		}
	})
}
