package courier

// Executor runs every user-visible continuation (reply delivery, timeout
// handling, retry callbacks) on a fixed pool of workers, never on the I/O
// path.
//
// Invariants:
//   - A task runs at most once. Cancel races with the delay timer and the
//     workers through a CAS on the state word; whoever moves the task out
//     of READY first wins.
//   - Cancel is non-blocking and idempotent. Cancelling a task that
//     already ran (or was already cancelled) is a no-op.
//   - Delayed tasks are armed with a timer that feeds the worker queue;
//     the queue itself never sleeps.

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task states.
const (
	TaskStateReady int32 = iota
	TaskStateRunning
	TaskStateFinished
	TaskStateCancelled
)

// Task is a single deferred unit of work.
type Task struct {
	fn    func()
	state atomic.Int32
	timer atomic.Pointer[time.Timer]
}

func NewTask(fn func()) *Task {
	return &Task{fn: fn}
}

func (t *Task) State() int32 { return t.state.Load() }

// Cancel moves a READY task to CANCELLED. Returns false if the task
// already started running, finished, or was cancelled before.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(TaskStateReady, TaskStateCancelled) {
		return false
	}
	if tm := t.timer.Load(); tm != nil {
		tm.Stop()
	}
	return true
}

func (t *Task) run() {
	if !t.state.CompareAndSwap(TaskStateReady, TaskStateRunning) {
		return
	}
	t.fn()
	t.state.CompareAndSwap(TaskStateRunning, TaskStateFinished)
}

type Executor struct {
	tasks    chan *Task
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

const executorQueueSize = 4096

// NewExecutor starts a pool of worker goroutines. workers <= 0 means
// GOMAXPROCS.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	e := &Executor{
		tasks: make(chan *Task, executorQueueSize),
		done:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.tasks:
			t.run()
		case <-e.done:
			// Drain what is already queued so completions enqueued during
			// shutdown still deliver.
			for {
				select {
				case t := <-e.tasks:
					t.run()
				default:
					return
				}
			}
		}
	}
}

// Enqueue schedules t after delay (immediately when delay <= 0). A task
// cancelled before its delay expires never runs.
func (e *Executor) Enqueue(t *Task, delay time.Duration) {
	if t.state.Load() != TaskStateReady {
		return
	}
	if delay <= 0 {
		e.push(t)
		return
	}
	tm := time.AfterFunc(delay, func() { e.push(t) })
	t.timer.Store(tm)
	// Cancel may have raced with arming the timer; make sure a task
	// cancelled in that window does not keep its timer alive.
	if t.state.Load() == TaskStateCancelled {
		tm.Stop()
	}
}

func (e *Executor) push(t *Task) {
	select {
	case e.tasks <- t:
	case <-e.done:
		t.Cancel()
	}
}

// Stop shuts the pool down. Pending READY tasks are drained; delayed
// timers that fire afterwards find the pool closed and cancel their task.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

// ---------------------------------------------------------------------------

// ResponseHandler receives the terminal outcome of a call: the error code,
// the original request, and the reply (nil on failure outcomes).
type ResponseHandler func(err ErrorCode, req *Message, resp *Message)

// ResponseTask is the pending-call handle shared between the matcher and
// the executor. While the matcher holds the entry it is the unique owner;
// on removal, ownership transfers to the completion path.
type ResponseTask struct {
	request *Message
	exec    *Executor

	mu      sync.Mutex
	handler ResponseHandler

	state   atomic.Int32
	delayMS atomic.Int32

	// startMS/origTimeoutMS record the call's creation time and budget;
	// the forward-redirect path uses them to compute the remaining budget
	// when configured to inherit the deadline.
	startMS       int64
	origTimeoutMS int32

	err   ErrorCode
	reply *Message
}

// NewResponseTask builds the pending-call handle for a request. The task
// holds a reference on the request until the call terminates.
func NewResponseTask(req *Message, exec *Executor, h ResponseHandler) *ResponseTask {
	t := &ResponseTask{request: req, exec: exec, handler: h, startMS: nowMS()}
	if req != nil {
		req.AddRef()
		t.origTimeoutMS = req.Header.Client.TimeoutMS
	}
	return t
}

// remainingMS is the unspent part of the call's original budget.
func (t *ResponseTask) remainingMS() int64 {
	return t.startMS + int64(t.origTimeoutMS) - nowMS()
}

func (t *ResponseTask) Request() *Message { return t.request }
func (t *ResponseTask) State() int32      { return t.state.Load() }

// SetDelay defers the completion callback by ms when it is enqueued.
func (t *ResponseTask) SetDelay(ms int32) {
	if ms > 0 {
		t.delayMS.Store(ms)
	}
}

// Cancel withdraws a pending call. The matcher observes the state change
// during OnRPCTimeout and suppresses resend; the entry itself is reaped by
// whichever of reply or timeout reaches the bucket first.
func (t *ResponseTask) Cancel() bool {
	return t.state.CompareAndSwap(TaskStateReady, TaskStateCancelled)
}

// Handler returns the current callback. Used by the URI layer to capture
// the user's callback before wrapping it.
func (t *ResponseTask) Handler() ResponseHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// ReplaceHandler swaps the callback chain. The URI retry shim restores the
// original callback here before re-issuing, so each attempt starts with a
// clean chain.
func (t *ResponseTask) ReplaceHandler(h ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// prepareRetry transitions a task that is currently executing its callback
// back to READY so the same pending call can be re-issued. Only the
// callback itself may do this.
func (t *ResponseTask) prepareRetry() bool {
	return t.state.CompareAndSwap(TaskStateRunning, TaskStateReady)
}

// Enqueue delivers the outcome to the callback on the executor. Returns
// false when a response-enqueue hook denies delivery (fault injection);
// the caller then owns the reply and must account the drop.
func (t *ResponseTask) Enqueue(err ErrorCode, reply *Message) bool {
	if t.request != nil {
		if spec := t.request.LocalCode.Spec(); spec.Code != TaskCodeInvalid {
			if !spec.execRPCResponseEnqueue(t, err, reply) {
				return false
			}
		}
	}
	if reply != nil {
		reply.AddRef()
	}
	t.err = err
	t.reply = reply
	delay := time.Duration(t.delayMS.Swap(0)) * time.Millisecond
	t.exec.Enqueue(NewTask(t.run), delay)
	return true
}

func (t *ResponseTask) run() {
	if !t.state.CompareAndSwap(TaskStateReady, TaskStateRunning) {
		// Cancelled while queued; the outcome is discarded but the
		// envelopes still terminate.
		if t.reply != nil {
			t.reply.ReleaseRef()
			t.reply = nil
		}
		if t.request != nil {
			t.request.ReleaseRef()
		}
		return
	}
	err, reply := t.err, t.reply
	h := t.Handler()
	if h != nil {
		h(err, t.request, reply)
	}
	// The callback may have re-armed the task for a retry; in that case it
	// keeps ownership of the request and there is nothing to release.
	if !t.state.CompareAndSwap(TaskStateRunning, TaskStateFinished) {
		return
	}
	t.reply = nil
	if reply != nil {
		reply.ReleaseRef()
	}
	if t.request != nil {
		t.request.ReleaseRef()
	}
}

// ---------------------------------------------------------------------------

// RequestHandler processes one inbound request. Implementations reply via
// Engine.Reply on a response created from the request.
type RequestHandler func(req *Message)

// RequestTask wraps an inbound request with its resolved handler.
type RequestTask struct {
	msg     *Message
	handler RequestHandler
	exec    *Executor
	spec    *TaskSpec
	delayMS atomic.Int32
	task    *Task
}

// NewRequestTask wraps an inbound request with an explicit handler.
// Request interceptors use this to build tasks outside the dispatcher.
func NewRequestTask(msg *Message, handler RequestHandler, exec *Executor) *RequestTask {
	return newRequestTask(msg, handler, exec)
}

// newRequestTask wraps an inbound request. The task holds a reference on
// the message until it runs (or is dropped).
func newRequestTask(msg *Message, handler RequestHandler, exec *Executor) *RequestTask {
	msg.AddRef()
	t := &RequestTask{msg: msg, handler: handler, exec: exec, spec: msg.LocalCode.Spec()}
	t.task = NewTask(t.run)
	return t
}

func (t *RequestTask) Message() *Message { return t.msg }
func (t *RequestTask) Spec() *TaskSpec   { return t.spec }

// DelayMS returns the currently configured enqueue delay.
func (t *RequestTask) DelayMS() int32 { return t.delayMS.Load() }

// SetDelay defers execution by ms.
func (t *RequestTask) SetDelay(ms int32) {
	if ms > 0 {
		t.delayMS.Store(ms)
	}
}

// Enqueue schedules the handler on the executor.
func (t *RequestTask) Enqueue() {
	delay := time.Duration(t.delayMS.Swap(0)) * time.Millisecond
	t.exec.Enqueue(t.task, delay)
}

func (t *RequestTask) run() {
	t.handler(t.msg)
	t.msg.ReleaseRef()
}

// drop releases the task's message without running it.
func (t *RequestTask) drop() {
	t.msg.ReleaseRef()
}
