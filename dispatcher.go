package courier

// serverDispatcher is the two-index handler registry: a dense slot per
// task code for the hot path, and a name index resolving both the code's
// canonical name and its extra alias. The name index is guarded by a
// global rw-lock; each code slot additionally has its own rw-lock so the
// common lookup never touches the global one.
//
// The slot array is sized from the task-code registry at construction;
// codes must be registered before the engine is built.

import (
	"fmt"
	"sync"
)

type handlerEntry struct {
	code      TaskCode
	extraName string
	handler   RequestHandler
}

type handlerSlot struct {
	mu    sync.RWMutex
	entry *handlerEntry
}

type serverDispatcher struct {
	mu     sync.RWMutex
	byName map[string]*handlerEntry
	slots  []handlerSlot
}

func newServerDispatcher() *serverDispatcher {
	return &serverDispatcher{
		byName: make(map[string]*handlerEntry),
		slots:  make([]handlerSlot, taskCodeCount()),
	}
}

// Register installs a handler under both the code's canonical name and
// extraName. Duplicate registration is a programming error and fatal.
func (d *serverDispatcher) Register(code TaskCode, extraName string, h RequestHandler) bool {
	if int(code) <= 0 || int(code) >= len(d.slots) {
		panic(fmt.Sprintf("task code %d not registered before engine construction", code))
	}
	entry := &handlerEntry{code: code, extraName: extraName, handler: h}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byName[code.String()]; ok {
		panic(fmt.Sprintf("rpc handler registration conflict for %q", code.String()))
	}
	if _, ok := d.byName[extraName]; ok {
		panic(fmt.Sprintf("rpc handler registration conflict for %q", extraName))
	}
	d.byName[code.String()] = entry
	d.byName[extraName] = entry

	slot := &d.slots[code]
	slot.mu.Lock()
	slot.entry = entry
	slot.mu.Unlock()
	return true
}

// Unregister removes both name aliases and clears the code slot. Returns
// false when the code has no handler.
func (d *serverDispatcher) Unregister(code TaskCode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.byName[code.String()]
	if !ok {
		return false
	}
	delete(d.byName, code.String())
	delete(d.byName, entry.extraName)

	slot := &d.slots[code]
	slot.mu.Lock()
	slot.entry = nil
	slot.mu.Unlock()
	return true
}

// OnRequest resolves the handler for an inbound request and wraps it in a
// request task, or returns nil when no handler is registered. Requests
// arriving with a resolved local code take the per-slot read lock only;
// name resolution writes the resolved code back into the message.
func (d *serverDispatcher) OnRequest(msg *Message, exec *Executor) *RequestTask {
	var handler RequestHandler

	if msg.LocalCode != TaskCodeInvalid && int(msg.LocalCode) < len(d.slots) {
		slot := &d.slots[msg.LocalCode]
		slot.mu.RLock()
		if slot.entry != nil {
			handler = slot.entry.handler
		}
		slot.mu.RUnlock()
	} else {
		d.mu.RLock()
		if entry, ok := d.byName[msg.Header.RPCName]; ok {
			msg.LocalCode = entry.code
			handler = entry.handler
		}
		d.mu.RUnlock()
	}

	if handler == nil {
		return nil
	}

	task := newRequestTask(msg, handler, exec)
	task.spec.execTaskCreate(task)
	return task
}

// handlerCount reports distinct registered handlers. Test support.
func (d *serverDispatcher) handlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[*handlerEntry]struct{})
	for _, e := range d.byName {
		seen[e] = struct{}{}
	}
	return len(seen)
}
