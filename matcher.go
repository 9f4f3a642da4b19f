package courier

// clientMatcher maps in-flight request ids to pending calls and their
// timeout timers.
//
// Invariants:
//   - Membership in the table is the sole authoritative record of an
//     in-flight request. The bucket lock linearizes the reply path and the
//     timeout path; the first to find the entry wins and the loser's work
//     is discarded. No reply or timeout is delivered twice.
//   - Inserting a duplicate id is a fatal invariant violation.
//   - At most one resend per call: the reinstalled entry carries a zero
//     deadline, so the second timer fire always completes with TIMEOUT.
//   - Critical sections hold only map operations; message handling, timer
//     arming and callback invocation happen outside the lock.

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// matcherBuckets shards the pending-call table. Power of two so the
// bucket index is a mask.
const matcherBuckets = 64

type matchEntry struct {
	call        *ResponseTask
	timeoutTask *Task

	// deadlineMS is the absolute monotonic deadline when resend is
	// enabled, 0 when disabled. The scheduled timer fires early (at the
	// resend threshold) and may re-arm once until the deadline.
	deadlineMS int64
}

type matcherBucket struct {
	mu sync.Mutex
	m  map[uint64]matchEntry
}

type clientMatcher struct {
	engine  *Engine
	buckets [matcherBuckets]matcherBucket
}

func newClientMatcher(e *Engine) *clientMatcher {
	m := &clientMatcher{engine: e}
	for i := range m.buckets {
		m.buckets[i].m = make(map[uint64]matchEntry)
	}
	return m
}

func (m *clientMatcher) bucket(id uint64) *matcherBucket {
	return &m.buckets[id&(matcherBuckets-1)]
}

// OnCall registers a request the engine is about to send. If the code's
// resend threshold R is configured and the call timeout exceeds R, the
// first timer fires at R with the absolute deadline recorded for a single
// re-send; otherwise the timer fires at the full timeout and resend is
// disabled.
func (m *clientMatcher) OnCall(request *Message, call *ResponseTask) {
	spec := request.LocalCode.Spec()
	id := request.Header.ID
	timeoutMS := request.Header.Client.TimeoutMS

	var deadlineMS int64
	if spec.ResendTimeoutMS > 0 && timeoutMS > spec.ResendTimeoutMS {
		deadlineMS = nowMS() + int64(timeoutMS)
		timeoutMS = spec.ResendTimeoutMS
	}

	timeoutTask := NewTask(func() { m.onRPCTimeout(id) })

	b := m.bucket(id)
	b.mu.Lock()
	if _, dup := b.m[id]; dup {
		b.mu.Unlock()
		panic(fmt.Sprintf("request %d is already in flight", id))
	}
	b.m[id] = matchEntry{call: call, timeoutTask: timeoutTask, deadlineMS: deadlineMS}
	b.mu.Unlock()

	m.engine.executor.Enqueue(timeoutTask, time.Duration(timeoutMS)*time.Millisecond)
}

// OnRecvReply matches an inbound reply (or an early-termination nil) to
// its pending call. Returns false when no call is waiting — the caller
// was already timed out — and the reply is discarded.
func (m *clientMatcher) OnRecvReply(net Network, id uint64, reply *Message, delayMS int32) bool {
	b := m.bucket(id)
	b.mu.Lock()
	entry, ok := b.m[id]
	if ok {
		delete(b.m, id)
	}
	b.mu.Unlock()

	if !ok {
		if reply != nil {
			m.engine.metrics.RepliesOrphaned.Add(1)
			slog.Debug("reply has no pending call, dropped",
				"id", id, "trace_id", traceHex(reply.Header.TraceID))
			reply.dropRef()
		}
		return false
	}

	// Cancel is CAS-based and non-blocking; calling it from within the
	// timer task itself fails the CAS harmlessly.
	entry.timeoutTask.Cancel()

	call := entry.call
	req := call.Request()
	spec := req.LocalCode.Spec()

	// Early termination with no reply: the transport saw the session die.
	if reply == nil {
		if g := leaderGroup(req, spec); g != nil {
			g.LeaderForward()
		}
		m.completeCall(net, call, ErrNetworkFailure, nil, delayMS)
		return true
	}

	err := reply.Header.Server.ErrorCode

	if err == ErrForwardToOthers {
		// The server cannot push to us directly; the reply body names the
		// node that should serve this call.
		addr, derr := decodeAddress(reply.Body)
		reply.dropRef()
		if derr != nil {
			slog.Warn("malformed forward hint",
				"rpc", req.Header.RPCName, "trace_id", traceHex(req.Header.TraceID), "error", derr)
			m.completeCall(net, call, ErrInvalidState, nil, delayMS)
			return true
		}
		if g := leaderGroup(req, spec); g != nil {
			g.SetLeader(addr)
		}
		m.engine.metrics.ForwardRedirects.Add(1)
		// Re-issue at the new endpoint with a fresh id so a fresh matcher
		// entry is created; the pending call is reused. By default the
		// new attempt keeps the original timeout budget; the
		// forward_inherits_deadline knob switches to the remaining one.
		if m.engine.config.cfg.ForwardInheritsDeadline {
			remaining := call.remainingMS()
			if remaining <= 0 {
				m.engine.metrics.Timeouts.Add(1)
				m.completeCall(net, call, ErrTimeout, nil, delayMS)
				return true
			}
			req.Header.Client.TimeoutMS = int32(remaining)
		}
		m.engine.callIP(addr, req, call, true, false)
		return true
	}

	if reply.Header.IsForwarded && err == ErrOK {
		if g := leaderGroup(req, spec); g != nil {
			g.SetLeader(reply.Header.FromAddress)
		}
	}

	m.engine.metrics.RepliesMatched.Add(1)
	m.completeCall(net, call, err, reply, delayMS)
	return true
}

// onRPCTimeout drives the timeout timer for one id: complete with
// TIMEOUT, or re-send once and re-arm for the remaining budget.
func (m *clientMatcher) onRPCTimeout(id uint64) {
	b := m.bucket(id)

	b.mu.Lock()
	entry, ok := b.m[id]
	if !ok {
		// Reply already delivered.
		b.mu.Unlock()
		return
	}
	deadlineMS := entry.deadlineMS
	call := entry.call
	resend := deadlineMS != 0
	if !resend {
		delete(b.m, id)
	}
	b.mu.Unlock()

	if !resend {
		m.engine.metrics.Timeouts.Add(1)
		m.completeCall(nil, call, ErrTimeout, nil, 0)
		return
	}

	// Resend candidate: decide outside the lock, then re-check the entry
	// under the lock before committing.
	now := nowMS()
	resend = now < deadlineMS && call.State() == TaskStateReady

	var newTimeoutTask *Task
	if resend {
		newTimeoutTask = NewTask(func() { m.onRPCTimeout(id) })
	}

	b.mu.Lock()
	entry, ok = b.m[id]
	if ok {
		if resend {
			// One resend only: the reinstalled entry has no deadline, so
			// the next fire completes with TIMEOUT.
			entry.timeoutTask = newTimeoutTask
			entry.deadlineMS = 0
			b.m[id] = entry
		} else {
			delete(b.m, id)
		}
	} else {
		// Reply slipped in between the two critical sections.
		resend = false
	}
	b.mu.Unlock()

	if !resend {
		if ok {
			m.engine.metrics.Timeouts.Add(1)
			m.completeCall(nil, call, ErrTimeout, nil, 0)
		}
		return
	}

	req := call.Request()
	slog.Debug("resending request",
		"rpc", req.Header.RPCName, "id", id, "trace_id", traceHex(req.Header.TraceID))
	m.engine.metrics.Resends.Add(1)

	// Same request id: the in-flight entry stays authoritative, so the
	// reply to either transmission matches.
	m.engine.callIP(req.Header.ToAddress, req, nil, false, false)
	m.engine.executor.Enqueue(newTimeoutTask, time.Duration(deadlineMS-now)*time.Millisecond)
}

// completeCall hands the outcome to the pending call. A denied
// response-enqueue hook (fault injection) still respects reference
// counts and fires the network's drop accounting.
func (m *clientMatcher) completeCall(net Network, call *ResponseTask, err ErrorCode, reply *Message, delayMS int32) {
	call.SetDelay(delayMS)
	if call.Enqueue(err, reply) {
		return
	}
	req := call.Request()
	slog.Debug("reply dropped (fault inject)",
		"rpc", req.Header.RPCName, "trace_id", traceHex(req.Header.TraceID))
	if reply != nil {
		if net != nil {
			net.InjectDropMessage(reply, false)
		}
		reply.dropRef()
	}
	req.ReleaseRef()
}

// assertEmpty enforces the destruction precondition: all rpc entries must
// be removed before the matcher ends.
func (m *clientMatcher) assertEmpty() {
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		n := len(b.m)
		b.mu.Unlock()
		if n != 0 {
			panic(fmt.Sprintf("matcher bucket %d still holds %d in-flight requests", i, n))
		}
	}
}

// inflight reports the number of pending calls across all buckets.
func (m *clientMatcher) inflight() int {
	total := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		total += len(b.m)
		b.mu.Unlock()
	}
	return total
}

// leaderGroup returns the request's group handle when group leader
// side effects apply: the target is a group in TO_LEADER mode with
// automatic leader updates.
func leaderGroup(req *Message, spec *TaskSpec) *GroupAddress {
	if req.ServerAddress.Type() != HostTypeGroup || spec.GRPCMode != GRPCToLeader {
		return nil
	}
	g := req.ServerAddress.Group()
	if g == nil || !g.UpdateLeaderAutomatically() {
		return nil
	}
	return g
}

func traceHex(id uint64) string {
	return fmt.Sprintf("%016x", id)
}
