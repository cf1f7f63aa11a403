package vm

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestChannelFIFO(t *testing.T) {
	ch := NewLatChannel(0)
	for i := int64(0); i < 5; i++ {
		if !ch.Send(IntValue(i)) {
			t.Fatalf("Send(%d) failed", i)
		}
	}
	if ch.Len() != 5 {
		t.Fatalf("Len: got %d, want 5", ch.Len())
	}
	for i := int64(0); i < 5; i++ {
		v, ok := ch.Recv()
		if !ok {
			t.Fatalf("Recv %d: channel empty", i)
		}
		expectInt(t, v, i)
	}
}

func TestChannelCloseSemantics(t *testing.T) {
	ch := NewLatChannel(0)
	ch.Send(IntValue(1))
	ch.Send(IntValue(2))
	ch.Close()

	if ch.Send(IntValue(3)) {
		t.Error("Send succeeded on a closed channel")
	}

	// Buffered values drain after close.
	v, ok := ch.Recv()
	if !ok || v.Int != 1 {
		t.Fatalf("first drain: %v %v", v.Display(), ok)
	}
	v, ok = ch.Recv()
	if !ok || v.Int != 2 {
		t.Fatalf("second drain: %v %v", v.Display(), ok)
	}

	_, ok, closed := ch.TryRecv()
	if ok || !closed {
		t.Errorf("after drain: ok=%v closed=%v, want ok=false closed=true", ok, closed)
	}
}

func TestChannelTryRecvEmpty(t *testing.T) {
	ch := NewLatChannel(0)
	_, ok, closed := ch.TryRecv()
	if ok || closed {
		t.Errorf("empty open channel: ok=%v closed=%v", ok, closed)
	}
}

func TestChannelBlockingRecv(t *testing.T) {
	ch := NewLatChannel(0)
	done := make(chan Value, 1)
	go func() {
		v, _ := ch.Recv()
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)
	ch.Send(IntValue(99))
	select {
	case v := <-done:
		expectInt(t, v, 99)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Recv never woke")
	}
}

func TestChannelRecvUnblocksOnClose(t *testing.T) {
	ch := NewLatChannel(0)
	done := make(chan bool, 1)
	go func() {
		_, ok := ch.Recv()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	ch.Close()
	select {
	case ok := <-done:
		if ok {
			t.Error("Recv reported a value from a closed empty channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock on close")
	}
}

func TestChannelConcurrentSenders(t *testing.T) {
	ch := NewLatChannel(0)
	const senders, per = 8, 100
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				ch.Send(IntValue(1))
			}
		}()
	}
	wg.Wait()
	if ch.Len() != senders*per {
		t.Errorf("Len: got %d, want %d", ch.Len(), senders*per)
	}
}

func TestChannelGrowPreservesOrder(t *testing.T) {
	ch := NewLatChannel(2)
	// Interleave sends and receives so the ring wraps before growing.
	ch.Send(IntValue(0))
	ch.Send(IntValue(1))
	ch.Recv()
	for i := int64(2); i < 20; i++ {
		ch.Send(IntValue(i))
	}
	for want := int64(1); want < 20; want++ {
		v, ok := ch.Recv()
		if !ok {
			t.Fatalf("Recv %d: empty", want)
		}
		expectInt(t, v, want)
	}
}

func TestChannelRetainRelease(t *testing.T) {
	ch := NewLatChannel(0)
	ch.Send(IntValue(1))
	ch.Retain()
	ch.Release()
	if ch.Closed() {
		t.Fatal("channel closed while referenced")
	}
	ch.Release()
	if !ch.Closed() {
		t.Error("final release did not close the channel")
	}
	// The final release discards queued values.
	if _, ok := ch.Recv(); ok {
		t.Error("value survived the final release")
	}
}

func TestSendMethodRejectsFluid(t *testing.T) {
	vm := NewStackVM(nil)
	ch := ChannelValue(NewLatChannel(0))
	frozen, err := Freeze(ArrayValue([]Value{IntValue(1)}))
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	fluid, err := Thaw(frozen)
	if err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	_, err = vm.dispatchMethod(ch, "send", []Value{fluid}, "ch", nil, 0)
	if err == nil || !errors.Is(err, ErrPhase) {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Ch.Len() != 0 {
		t.Error("rejected value was enqueued")
	}
}

func TestSendMethodAcceptsCrystal(t *testing.T) {
	vm := NewStackVM(nil)
	ch := ChannelValue(NewLatChannel(0))
	frozen, err := Freeze(ArrayValue([]Value{IntValue(7)}))
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	res, err := vm.dispatchMethod(ch, "send", []Value{frozen}, "ch", nil, 0)
	if err != nil {
		t.Fatalf("send crystal: %v", err)
	}
	if res.Kind != KindBool || !res.Bool() {
		t.Fatalf("send result: %s", res.Display())
	}
	got, ok := ch.Ch.Recv()
	if !ok {
		t.Fatal("Recv: channel empty")
	}
	if got.Phase != PhaseCrystal {
		t.Errorf("phase survived the channel: %s", got.Phase)
	}
}

func TestSendMethodClonesPayload(t *testing.T) {
	vm := NewStackVM(nil)
	ch := ChannelValue(NewLatChannel(0))
	payload := ArrayValue([]Value{IntValue(1), IntValue(2)})
	if _, err := vm.dispatchMethod(ch, "send", []Value{payload}, "ch", nil, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, ok := ch.Ch.Recv()
	if !ok {
		t.Fatal("Recv: channel empty")
	}
	got.Arr.Elems[0] = IntValue(99)
	if payload.Arr.Elems[0].Int != 1 {
		t.Error("receiver mutation reached the sender's value")
	}
}
