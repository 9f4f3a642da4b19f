package courier

// Task codes are dense integers identifying logical operations. Each code
// carries per-operation policy (group addressing mode, rpc channel, header
// format, resend threshold) and the join-point hook lists the engine fires
// along the call path. Codes are registered once at startup, before any
// engine is constructed; the dispatcher sizes its dense slot array from
// the registry.

import (
	"sync"
)

type TaskCode int32

const TaskCodeInvalid TaskCode = 0

// GRPCMode is the policy for addressing a group.
type GRPCMode uint8

const (
	// GRPCToLeader directs the call at the presumed leader; the hint is
	// auto-updated from forward hints and forwarded replies.
	GRPCToLeader GRPCMode = iota
	// GRPCToAny directs the call at a random member.
	GRPCToAny
	// GRPCToAll is declared but unimplemented; using it is fatal.
	GRPCToAll
)

// Join-point hooks. Each accept/deny hook returns false to deny; deny
// paths still respect reference counts and invoke the network's drop
// accounting.
type (
	TaskCreateHook          func(task *RequestTask)
	RPCCallHook             func(req *Message, call *ResponseTask) bool
	RPCRequestEnqueueHook   func(task *RequestTask) bool
	RPCReplyHook            func(resp *Message) bool
	RPCResponseEnqueueHook  func(call *ResponseTask, err ErrorCode, resp *Message) bool
)

// TaskSpec is the per-code policy record.
type TaskSpec struct {
	Code TaskCode
	Name string

	GRPCMode         GRPCMode
	Channel          Channel
	HeaderFormat     HeaderFormat
	ResendTimeoutMS  int32
	ForwardSupported bool

	mu                   sync.RWMutex
	onTaskCreate         []TaskCreateHook
	onRPCCall            []RPCCallHook
	onRPCRequestEnqueue  []RPCRequestEnqueueHook
	onRPCReply           []RPCReplyHook
	onRPCResponseEnqueue []RPCResponseEnqueueHook
}

func (s *TaskSpec) AddTaskCreateHook(h TaskCreateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTaskCreate = append(s.onTaskCreate, h)
}

func (s *TaskSpec) AddRPCCallHook(h RPCCallHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRPCCall = append(s.onRPCCall, h)
}

func (s *TaskSpec) AddRPCRequestEnqueueHook(h RPCRequestEnqueueHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRPCRequestEnqueue = append(s.onRPCRequestEnqueue, h)
}

func (s *TaskSpec) AddRPCReplyHook(h RPCReplyHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRPCReply = append(s.onRPCReply, h)
}

func (s *TaskSpec) AddRPCResponseEnqueueHook(h RPCResponseEnqueueHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRPCResponseEnqueue = append(s.onRPCResponseEnqueue, h)
}

// ClearHooks removes all hooks. Test support.
func (s *TaskSpec) ClearHooks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTaskCreate = nil
	s.onRPCCall = nil
	s.onRPCRequestEnqueue = nil
	s.onRPCReply = nil
	s.onRPCResponseEnqueue = nil
}

func (s *TaskSpec) execTaskCreate(task *RequestTask) {
	s.mu.RLock()
	hooks := s.onTaskCreate
	s.mu.RUnlock()
	for _, h := range hooks {
		h(task)
	}
}

func (s *TaskSpec) execRPCCall(req *Message, call *ResponseTask) bool {
	s.mu.RLock()
	hooks := s.onRPCCall
	s.mu.RUnlock()
	for _, h := range hooks {
		if !h(req, call) {
			return false
		}
	}
	return true
}

func (s *TaskSpec) execRPCRequestEnqueue(task *RequestTask) bool {
	s.mu.RLock()
	hooks := s.onRPCRequestEnqueue
	s.mu.RUnlock()
	for _, h := range hooks {
		if !h(task) {
			return false
		}
	}
	return true
}

func (s *TaskSpec) execRPCReply(resp *Message) bool {
	s.mu.RLock()
	hooks := s.onRPCReply
	s.mu.RUnlock()
	for _, h := range hooks {
		if !h(resp) {
			return false
		}
	}
	return true
}

func (s *TaskSpec) execRPCResponseEnqueue(call *ResponseTask, err ErrorCode, resp *Message) bool {
	s.mu.RLock()
	hooks := s.onRPCResponseEnqueue
	s.mu.RUnlock()
	for _, h := range hooks {
		if !h(call, err, resp) {
			return false
		}
	}
	return true
}

// TaskCodeOption mutates a spec at registration time.
type TaskCodeOption func(*TaskSpec)

func WithGRPCMode(m GRPCMode) TaskCodeOption {
	return func(s *TaskSpec) { s.GRPCMode = m }
}

func WithChannel(c Channel) TaskCodeOption {
	return func(s *TaskSpec) { s.Channel = c }
}

func WithHeaderFormat(f HeaderFormat) TaskCodeOption {
	return func(s *TaskSpec) { s.HeaderFormat = f }
}

// WithResendTimeout sets the per-code resend threshold in milliseconds.
// Zero disables transport-level resend for the code.
func WithResendTimeout(ms int32) TaskCodeOption {
	return func(s *TaskSpec) { s.ResendTimeoutMS = ms }
}

func WithForwardSupported(ok bool) TaskCodeOption {
	return func(s *TaskSpec) { s.ForwardSupported = ok }
}

var taskCodeRegistry = struct {
	mu     sync.RWMutex
	byName map[string]TaskCode
	specs  []*TaskSpec // index = code; slot 0 is TaskCodeInvalid
}{
	byName: map[string]TaskCode{},
	specs:  []*TaskSpec{{Code: TaskCodeInvalid, Name: "TASK_CODE_INVALID"}},
}

// RegisterTaskCode allocates (or returns the existing) code for name.
// Options apply only on first registration.
func RegisterTaskCode(name string, opts ...TaskCodeOption) TaskCode {
	r := &taskCodeRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.byName[name]; ok {
		return code
	}
	spec := &TaskSpec{
		Code:         TaskCode(len(r.specs)),
		Name:         name,
		Channel:      ChannelTCP,
		HeaderFormat: HeaderFormatNative,
	}
	for _, o := range opts {
		o(spec)
	}
	r.specs = append(r.specs, spec)
	r.byName[name] = spec.Code
	return spec.Code
}

// TaskCodeByName returns the code registered for name, or TaskCodeInvalid.
func TaskCodeByName(name string) TaskCode {
	r := &taskCodeRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// taskCodeCount returns the number of registered codes including the
// invalid slot.
func taskCodeCount() int {
	r := &taskCodeRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Spec returns the policy record for the code. Unregistered codes return
// the invalid spec.
func (c TaskCode) Spec() *TaskSpec {
	r := &taskCodeRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c < 0 || int(c) >= len(r.specs) {
		return r.specs[TaskCodeInvalid]
	}
	return r.specs[c]
}

func (c TaskCode) String() string {
	return c.Spec().Name
}
