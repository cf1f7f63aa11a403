package vm

import "sync"

// LatChannel is the cross-thread FIFO queue exposed to user code. It is
// the only mutable state shared between interpreter threads, so all access
// goes through its mutex. Sends never block; receives block while the
// channel is empty and open.
type LatChannel struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	buf      []Value
	head     int
	count    int
	closed   bool
	refs     int

	// Select statements blocking across several channels register a shared
	// condvar here; send and close signal it alongside notEmpty.
	waiters []*sync.Cond
}

// NewLatChannel returns an open channel with one reference held by the
// caller. capacity only sizes the initial ring; the buffer grows on demand.
func NewLatChannel(capacity int) *LatChannel {
	if capacity < 1 {
		capacity = 8
	}
	ch := &LatChannel{buf: make([]Value, capacity), refs: 1}
	ch.notEmpty = sync.NewCond(&ch.mu)
	return ch
}

// Send enqueues a value and wakes one blocked receiver plus any select
// waiters. Returns false, dropping the value, if the channel is closed.
func (ch *LatChannel) Send(v Value) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	if ch.count == len(ch.buf) {
		ch.grow()
	}
	ch.buf[(ch.head+ch.count)%len(ch.buf)] = v
	ch.count++
	ch.notEmpty.Signal()
	ws := ch.waiterSnapshot()
	ch.mu.Unlock()
	signalWaiters(ws)
	return true
}

// Recv blocks until a value is available or the channel is closed and
// drained. The second result is false only in the closed-and-empty case.
func (ch *LatChannel) Recv() (Value, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for ch.count == 0 && !ch.closed {
		ch.notEmpty.Wait()
	}
	if ch.count == 0 {
		return NilValue(), false
	}
	return ch.dequeue(), true
}

// TryRecv is the non-blocking receive used by select polling. ok reports
// whether a value was dequeued; closed reports the channel state observed
// under the same lock, so a false/true pair means permanently drained.
func (ch *LatChannel) TryRecv() (v Value, ok bool, closed bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.count == 0 {
		return NilValue(), false, ch.closed
	}
	return ch.dequeue(), true, ch.closed
}

// Close marks the channel terminal and wakes everything blocked on it.
// Idempotent. Buffered values remain receivable.
func (ch *LatChannel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.notEmpty.Broadcast()
	ws := ch.waiterSnapshot()
	ch.mu.Unlock()
	signalWaiters(ws)
}

// Closed reports whether Close has been called.
func (ch *LatChannel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Len returns the number of buffered values.
func (ch *LatChannel) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.count
}

// Retain adds a reference.
func (ch *LatChannel) Retain() {
	ch.mu.Lock()
	ch.refs++
	ch.mu.Unlock()
}

// Release drops a reference. At zero the buffer is discarded along with
// any values still queued.
func (ch *LatChannel) Release() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.refs--
	if ch.refs <= 0 {
		ch.buf = nil
		ch.head = 0
		ch.count = 0
		ch.closed = true
	}
}

// addWaiter registers a select waiter. Caller must pair with
// removeWaiter.
func (ch *LatChannel) addWaiter(c *sync.Cond) {
	ch.mu.Lock()
	ch.waiters = append(ch.waiters, c)
	ch.mu.Unlock()
}

func (ch *LatChannel) removeWaiter(c *sync.Cond) {
	ch.mu.Lock()
	for i, w := range ch.waiters {
		if w == c {
			ch.waiters = append(ch.waiters[:i], ch.waiters[i+1:]...)
			break
		}
	}
	ch.mu.Unlock()
}

func (ch *LatChannel) waiterSnapshot() []*sync.Cond {
	if len(ch.waiters) == 0 {
		return nil
	}
	return append([]*sync.Cond(nil), ch.waiters...)
}

// signalWaiters wakes select waiters. Each waiter's own lock is taken for
// the broadcast so a select between its poll and its wait cannot miss the
// wakeup; the channel lock is already released here, keeping lock order
// one-way (waiter lock, then channel lock).
func signalWaiters(ws []*sync.Cond) {
	for _, w := range ws {
		w.L.Lock()
		w.Broadcast()
		w.L.Unlock()
	}
}

func (ch *LatChannel) dequeue() Value {
	v := ch.buf[ch.head]
	ch.buf[ch.head] = Value{}
	ch.head = (ch.head + 1) % len(ch.buf)
	ch.count--
	return v
}

func (ch *LatChannel) grow() {
	next := make([]Value, len(ch.buf)*2)
	for i := 0; i < ch.count; i++ {
		next[i] = ch.buf[(ch.head+i)%len(ch.buf)]
	}
	ch.buf = next
	ch.head = 0
}
