package vm

import "fmt"

// pushHandler records a catch point: where to resume, which frame owns it,
// and the stack height to restore on unwind.
func (vm *StackVM) pushHandler(resumeIP, frameIndex, stackTop int) error {
	if vm.handlerCount >= HandlersMax {
		return fmt.Errorf("%w: exception handler stack overflow", ErrResource)
	}
	vm.handlers[vm.handlerCount] = handlerRecord{
		resumeIP:   resumeIP,
		frameIndex: frameIndex,
		stackTop:   stackTop,
	}
	vm.handlerCount++
	return nil
}

func (vm *StackVM) popHandler() {
	if vm.handlerCount > 0 {
		vm.handlerCount--
	}
}

// unwind routes a thrown value to the innermost handler at or above
// baseFrame: it truncates the frame stack to the handler's frame, restores
// the stack pointer to the recorded snapshot, resumes at the catch offset,
// and pushes the thrown value so user code can branch on it. Returns false
// when no handler in range exists; the caller then surfaces the value as a
// terminal error (or lets a recursive run pass it outward).
func (vm *StackVM) unwind(thrown Value, baseFrame int) bool {
	if vm.handlerCount == 0 {
		return false
	}
	h := vm.handlers[vm.handlerCount-1]
	if h.frameIndex < baseFrame {
		// Handler belongs to a frame below this recursive entry; the
		// enclosing run owns it.
		return false
	}
	vm.handlerCount--

	// Discard defers recorded by frames being unwound.
	for vm.deferCount > 0 && vm.defers[vm.deferCount-1].frameIndex > h.frameIndex {
		vm.deferCount--
	}

	vm.closeUpvalues(h.stackTop)
	vm.frameCount = h.frameIndex + 1
	vm.sp = h.stackTop
	vm.frame().ip = h.resumeIP
	// Stack restored below the limit, so this push cannot fail.
	vm.stack[vm.sp] = thrown
	vm.sp++
	return true
}

// terminal wraps an uncaught thrown value or error as the run's result.
func (vm *StackVM) terminal(msg string) *RuntimeError {
	return &RuntimeError{
		Msg:   msg,
		Line:  vm.currentLine(),
		Trace: vm.stackTrace(),
	}
}
