package vm

import (
	"testing"
	"time"
)

// selectChunk assembles a two-channel select. Globals "c1"/"c2" hold the
// channels and "b1"/"b2" the arm bodies; each body takes the received
// value as its binding.
func selectChunk() *Chunk {
	c := NewChunk("script")
	for _, name := range []string{"c1", "b1", "c2", "b2"} {
		c.Emit(OpGetGlobal, 1)
		c.EmitByte(byte(c.AddConstant(StrValue(name))), 1)
	}
	c.Emit(OpSelect, 2)
	c.EmitByte(2, 1)
	c.EmitByte(selectArmChannel, 1) // arm 0
	c.EmitByte(0, 1)
	c.EmitByte(1, 1)
	c.EmitByte(0, 1)
	c.EmitByte(selectArmChannel, 1) // arm 1
	c.EmitByte(2, 1)
	c.EmitByte(3, 1)
	c.EmitByte(0, 1)
	c.Emit(OpHalt, 1)
	return c
}

func TestSelectShufflesReadyArms(t *testing.T) {
	vm := NewStackVM(nil)
	ch1 := NewLatChannel(4)
	ch2 := NewLatChannel(4)
	const rounds = 200
	for i := 0; i < rounds; i++ {
		ch1.Send(IntValue(int64(i)))
		ch2.Send(IntValue(int64(i)))
	}

	var hits1, hits2 int
	vm.rt.DefineGlobal("c1", ChannelValue(ch1))
	vm.rt.DefineGlobal("c2", ChannelValue(ch2))
	vm.rt.DefineGlobal("b1", NativeValue("b1", func(args []Value) (Value, error) {
		hits1++
		return UnitValue(), nil
	}))
	vm.rt.DefineGlobal("b2", NativeValue("b2", func(args []Value) (Value, error) {
		hits2++
		return UnitValue(), nil
	}))

	c := selectChunk()
	for i := 0; i < rounds; i++ {
		if _, err := vm.RunChunk(c); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	if hits1+hits2 != rounds {
		t.Fatalf("arms ran %d times, want %d", hits1+hits2, rounds)
	}
	// Both channels stay ready the whole run, so a fair shuffle cannot
	// starve either arm. The bound is loose enough not to flake.
	if hits1 < rounds/10 || hits2 < rounds/10 {
		t.Errorf("lopsided arm selection: %d vs %d", hits1, hits2)
	}
}

func TestSelectBindsReceivedValue(t *testing.T) {
	vm := NewStackVM(nil)
	ch := NewLatChannel(1)
	ch.Send(StrValue("payload"))

	var got Value
	vm.rt.DefineGlobal("c1", ChannelValue(ch))
	vm.rt.DefineGlobal("c2", ChannelValue(NewLatChannel(1)))
	vm.rt.DefineGlobal("b1", NativeValue("b1", func(args []Value) (Value, error) {
		if len(args) != 1 {
			t.Fatalf("body got %d args, want 1", len(args))
		}
		got = args[0]
		return IntValue(99), nil
	}))
	vm.rt.DefineGlobal("b2", NativeValue("b2", func(args []Value) (Value, error) {
		t.Fatal("empty channel arm ran")
		return UnitValue(), nil
	}))

	res, err := vm.RunChunk(selectChunk())
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	if got.Kind != KindStr || got.Str != "payload" {
		t.Errorf("bound value: %s", got.Display())
	}
	expectInt(t, res, 99)
}

func TestSelectDefaultArm(t *testing.T) {
	vm := NewStackVM(nil)
	vm.rt.DefineGlobal("c1", ChannelValue(NewLatChannel(1)))
	vm.rt.DefineGlobal("b1", NativeValue("b1", func(args []Value) (Value, error) {
		t.Fatal("empty channel arm ran")
		return UnitValue(), nil
	}))
	vm.rt.DefineGlobal("dflt", NativeValue("dflt", func(args []Value) (Value, error) {
		return StrValue("nothing ready"), nil
	}))

	c := NewChunk("script")
	for _, name := range []string{"c1", "b1", "dflt"} {
		c.Emit(OpGetGlobal, 1)
		c.EmitByte(byte(c.AddConstant(StrValue(name))), 1)
	}
	c.Emit(OpSelect, 1)
	c.EmitByte(2, 1)
	c.EmitByte(selectArmChannel, 1)
	c.EmitByte(0, 1)
	c.EmitByte(1, 1)
	c.EmitByte(0xFF, 1)
	c.EmitByte(selectArmDefault, 1)
	c.EmitByte(0, 1)
	c.EmitByte(2, 1)
	c.EmitByte(0xFF, 1)
	c.Emit(OpHalt, 1)

	start := time.Now()
	res, err := vm.RunChunk(c)
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("default arm should not block")
	}
	if res.Kind != KindStr || res.Str != "nothing ready" {
		t.Errorf("result: %s", res.Display())
	}
}

func TestSelectTimeoutArm(t *testing.T) {
	vm := NewStackVM(nil)
	vm.rt.DefineGlobal("c1", ChannelValue(NewLatChannel(1)))
	vm.rt.DefineGlobal("b1", NativeValue("b1", func(args []Value) (Value, error) {
		t.Fatal("empty channel arm ran")
		return UnitValue(), nil
	}))
	vm.rt.DefineGlobal("onTimeout", NativeValue("onTimeout", func(args []Value) (Value, error) {
		return StrValue("timed out"), nil
	}))

	c := NewChunk("script")
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("c1"))), 1)
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("b1"))), 1)
	emitConst(c, IntValue(30))
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("onTimeout"))), 1)
	c.Emit(OpSelect, 1)
	c.EmitByte(2, 1)
	c.EmitByte(selectArmChannel, 1)
	c.EmitByte(0, 1)
	c.EmitByte(1, 1)
	c.EmitByte(0xFF, 1)
	c.EmitByte(selectArmTimeout, 1)
	c.EmitByte(2, 1)
	c.EmitByte(3, 1)
	c.EmitByte(0xFF, 1)
	c.Emit(OpHalt, 1)

	start := time.Now()
	res, err := vm.RunChunk(c)
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("returned after %v, want the 30ms deadline to pass", elapsed)
	}
	if res.Kind != KindStr || res.Str != "timed out" {
		t.Errorf("result: %s", res.Display())
	}
}

func TestSelectWokenBySend(t *testing.T) {
	vm := NewStackVM(nil)
	ch := NewLatChannel(1)
	vm.rt.DefineGlobal("c1", ChannelValue(ch))
	vm.rt.DefineGlobal("b1", NativeValue("b1", func(args []Value) (Value, error) {
		return args[0], nil
	}))

	c := NewChunk("script")
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("c1"))), 1)
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("b1"))), 1)
	c.Emit(OpSelect, 1)
	c.EmitByte(1, 1)
	c.EmitByte(selectArmChannel, 1)
	c.EmitByte(0, 1)
	c.EmitByte(1, 1)
	c.EmitByte(0, 1)
	c.Emit(OpHalt, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.Send(IntValue(77))
	}()

	done := make(chan struct{})
	var res Value
	var err error
	go func() {
		res, err = vm.RunChunk(c)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("select did not wake on send")
	}
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	expectInt(t, res, 77)
}

func TestSelectAllArmsClosed(t *testing.T) {
	vm := NewStackVM(nil)
	ch := NewLatChannel(1)
	ch.Close()
	vm.rt.DefineGlobal("c1", ChannelValue(ch))
	vm.rt.DefineGlobal("b1", NativeValue("b1", func(args []Value) (Value, error) {
		t.Fatal("closed channel arm ran")
		return UnitValue(), nil
	}))

	c := NewChunk("script")
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("c1"))), 1)
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("b1"))), 1)
	c.Emit(OpSelect, 1)
	c.EmitByte(1, 1)
	c.EmitByte(selectArmChannel, 1)
	c.EmitByte(0, 1)
	c.EmitByte(1, 1)
	c.EmitByte(0xFF, 1)
	c.Emit(OpHalt, 1)

	res, err := vm.RunChunk(c)
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	if res.Kind != KindNil {
		t.Errorf("result: %s, want nil", res.Display())
	}
}

func TestSelectNonChannelArm(t *testing.T) {
	vm := NewStackVM(nil)
	vm.rt.DefineGlobal("c1", IntValue(5))
	vm.rt.DefineGlobal("b1", NativeValue("b1", func(args []Value) (Value, error) {
		return UnitValue(), nil
	}))

	c := NewChunk("script")
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("c1"))), 1)
	c.Emit(OpGetGlobal, 1)
	c.EmitByte(byte(c.AddConstant(StrValue("b1"))), 1)
	c.Emit(OpSelect, 1)
	c.EmitByte(1, 1)
	c.EmitByte(selectArmChannel, 1)
	c.EmitByte(0, 1)
	c.EmitByte(1, 1)
	c.EmitByte(0xFF, 1)
	c.Emit(OpHalt, 1)

	if _, err := vm.RunChunk(c); err == nil {
		t.Fatal("expected error for non-channel select arm")
	}
}
