package vm

import (
	"fmt"
	"sync"
	"time"
)

// selectArm is one decoded arm of an OpSelect instruction.
type selectArm struct {
	flags      byte
	ch         *LatChannel
	body       Value
	hasBinding bool
	timeout    time.Duration
}

// runSelect executes OpSelect. The compiler evaluates every arm
// expression exactly once and pushes a window of values before the
// instruction: (channel, body) per channel arm, (duration_ms, body) per
// timeout arm, (body) per default arm. The operands index into that
// window. The window is popped and the chosen body's result (or nil when
// no body ran) is pushed.
//
// Channel arms are polled in a freshly shuffled order each round; at most
// one default and one timeout arm apply. With nothing ready: a default
// arm runs immediately, otherwise the VM blocks on a waiter shared across
// the candidate channels, bounded by the timeout arm's deadline if one
// exists.
func (vm *StackVM) runSelect(f *CallFrame) error {
	armCount := int(vm.readByte(f))

	type rawArm struct {
		flags, chanIdx, bodyIdx, bindingIdx byte
	}
	raw := make([]rawArm, armCount)
	windowSize := 0
	for i := range raw {
		raw[i] = rawArm{
			flags:      vm.readByte(f),
			chanIdx:    vm.readByte(f),
			bodyIdx:    vm.readByte(f),
			bindingIdx: vm.readByte(f),
		}
		if raw[i].flags == selectArmDefault {
			windowSize++
		} else {
			windowSize += 2
		}
	}
	base := vm.sp - windowSize

	var chans []selectArm
	var defaultArm, timeoutArm *selectArm
	for _, r := range raw {
		arm := selectArm{flags: r.flags, hasBinding: r.bindingIdx != 0xFF}
		arm.body = vm.stack[base+int(r.bodyIdx)]
		switch r.flags {
		case selectArmChannel:
			chv := vm.stack[base+int(r.chanIdx)]
			if chv.Kind != KindChannel {
				return fmt.Errorf("select arm requires a channel, got %s", chv.TypeName())
			}
			arm.ch = chv.Ch
			chans = append(chans, arm)
		case selectArmDefault:
			a := arm
			defaultArm = &a
		case selectArmTimeout:
			dur := vm.stack[base+int(r.chanIdx)]
			if dur.Kind != KindInt || dur.Int < 0 {
				return fmt.Errorf("select timeout must be a non-negative int of milliseconds")
			}
			arm.timeout = time.Duration(dur.Int) * time.Millisecond
			a := arm
			timeoutArm = &a
		default:
			return fmt.Errorf("malformed select arm flags %d", r.flags)
		}
	}

	result, ran, err := vm.selectLoop(chans, defaultArm, timeoutArm)
	if err != nil {
		return err
	}
	vm.sp = base
	if !ran {
		return vm.push(NilValue())
	}
	return vm.push(result)
}

func (vm *StackVM) selectLoop(chans []selectArm, defaultArm, timeoutArm *selectArm) (Value, bool, error) {
	// Fast path: one polling round before any waiter bookkeeping.
	if v, arm, ready, allClosed := vm.pollRound(chans); ready {
		return vm.runArmBody(arm, v, true)
	} else if allClosed {
		if defaultArm != nil {
			return vm.runArmBody(*defaultArm, Value{}, false)
		}
		return Value{}, false, nil
	}
	if defaultArm != nil {
		return vm.runArmBody(*defaultArm, Value{}, false)
	}

	// Blocking path. The loop below only decides which arm fires; the
	// chosen body runs after the waiter is deregistered and the lock
	// dropped, so a body sending on one of these channels cannot deadlock
	// against its own select.
	var mu sync.Mutex
	waiter := sync.NewCond(&mu)
	for _, a := range chans {
		a.ch.addWaiter(waiter)
	}

	timedOut := false
	var timer *time.Timer
	if timeoutArm != nil {
		timer = time.AfterFunc(timeoutArm.timeout, func() {
			mu.Lock()
			timedOut = true
			waiter.Broadcast()
			mu.Unlock()
		})
	}

	var chosen selectArm
	var received Value
	fired := false
	bind := false

	mu.Lock()
	for {
		if v, arm, ready, allClosed := vm.pollRound(chans); ready {
			chosen, received, fired, bind = arm, v, true, true
			break
		} else if allClosed {
			break
		}
		if timedOut {
			chosen, fired = *timeoutArm, true
			break
		}
		waiter.Wait()
	}
	mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, a := range chans {
		a.ch.removeWaiter(waiter)
	}

	if !fired {
		return Value{}, false, nil
	}
	return vm.runArmBody(chosen, received, bind)
}

// pollRound attempts a non-blocking receive on each channel arm in a
// freshly shuffled order. allClosed reports that every arm is permanently
// drained.
func (vm *StackVM) pollRound(chans []selectArm) (Value, selectArm, bool, bool) {
	order := make([]int, len(chans))
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := vm.rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	allClosed := len(chans) > 0
	for _, idx := range order {
		v, ok, closed := chans[idx].ch.TryRecv()
		if ok {
			return v, chans[idx], true, false
		}
		if !closed {
			allClosed = false
		}
	}
	return Value{}, selectArm{}, false, allClosed
}

func (vm *StackVM) runArmBody(arm selectArm, recv Value, bind bool) (Value, bool, error) {
	var args []Value
	if bind && arm.hasBinding {
		args = []Value{recv}
	}
	res, err := vm.CallValue(arm.body, args)
	if err != nil {
		return Value{}, false, err
	}
	return res, true, nil
}
