//go:build linux
// +build linux

package greactor

import (
	"os"
	"testing"
	"time"
)

func makePipe(t *testing.T) (*os.File, *os.File, error) {
	t.Helper()
	return os.Pipe()
}

type fakeTieOwner struct{ gone bool }

func (f *fakeTieOwner) destroyed() bool { return f.gone }

func TestChannelTiedDispatchSkippedOnceDestroyed(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	r, w, err := makePipe(t)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	c := NewChannel(loop, int(r.Fd()))
	owner := &fakeTieOwner{}
	c.Tie(owner)

	fired := false
	c.SetReadCallback(func(time.Time) { fired = true })
	c.SetRevents(channelReadEvent)

	c.HandleEvent(time.Now())
	if !fired {
		t.Fatal("expected dispatch before the owner was destroyed")
	}

	fired = false
	owner.gone = true
	c.HandleEvent(time.Now())
	if fired {
		t.Fatal("dispatch should have been skipped once the tied owner reported destroyed")
	}
}

func TestChannelEventMaskTransitions(t *testing.T) {
	thread := NewEventLoopThread("test", nil)
	loop := thread.StartLoop()
	defer func() {
		loop.Quit()
		thread.Join()
	}()

	r, w, err := makePipe(t)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	done := make(chan struct{})
	loop.RunInLoop(func() {
		c := NewChannel(loop, int(r.Fd()))
		if !c.IsNoneEvent() {
			t.Error("new Channel should have no interest set")
		}
		c.EnableReading()
		if !c.IsReading() || c.IsWriting() {
			t.Error("EnableReading should set read-only interest")
		}
		c.EnableWriting()
		if !c.IsWriting() {
			t.Error("EnableWriting should add write interest")
		}
		c.DisableAll()
		if !c.IsNoneEvent() {
			t.Error("DisableAll should clear every interest bit")
		}
		c.Remove()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("channel transition check never completed on the loop goroutine")
	}
}
