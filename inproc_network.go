package courier

// In-process network provider: a loopback transport connecting engines
// that live in one process. Delivery clones the envelope (simulating the
// wire — the receiver never shares header state or group handles with the
// sender) and is synchronous, which makes tests deterministic.
//
// Registered in the factory store as "inproc". Server instances claim a
// port in a process-global table; client instances get an ephemeral port
// from the client range, so pure-client semantics (port <= MaxClientPort)
// are observable exactly as on a real network.

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

func init() {
	RegisterNetworkFactory("inproc", func(e *Engine, inner Network) Network {
		return newInprocNetwork(e)
	})
}

var inprocRegistry = struct {
	mu         sync.RWMutex
	byPort     map[int]*inprocNetwork
	nextClient int
}{byPort: map[int]*inprocNetwork{}, nextClient: 1}

type inprocNetwork struct {
	engine     *Engine
	channel    Channel
	addr       Address
	clientOnly bool

	// DropHandler observes fault-injected drops; tests install it to
	// assert drop accounting.
	dropMu      sync.Mutex
	dropHandler func(msg *Message, isSend bool)

	stopped bool
	mu      sync.Mutex
}

func newInprocNetwork(e *Engine) *inprocNetwork {
	return &inprocNetwork{engine: e}
}

func (n *inprocNetwork) Start(channel Channel, port int, clientOnly bool) error {
	n.channel = channel
	n.clientOnly = clientOnly

	r := &inprocRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	if clientOnly {
		// Ephemeral client-range port.
		for r.nextClient > MaxClientPort || r.byPort[r.nextClient] != nil {
			r.nextClient++
			if r.nextClient > MaxClientPort {
				r.nextClient = 1
			}
		}
		port = r.nextClient
		r.nextClient++
	} else if r.byPort[port] != nil {
		return errors.Newf("inproc port %d already bound", port)
	}

	n.addr = MustIPv4("127.0.0.1", port)
	r.byPort[port] = n
	return nil
}

func (n *inprocNetwork) Stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()

	r := &inprocRegistry
	r.mu.Lock()
	if r.byPort[n.addr.Port()] == n {
		delete(r.byPort, n.addr.Port())
	}
	r.mu.Unlock()
}

func (n *inprocNetwork) Address() Address { return n.addr }

func (n *inprocNetwork) ResetParserAttr(format HeaderFormat, bufferBlockSize int) {
	// Loopback carries envelopes directly; nothing to parse.
}

// SetDropHandler installs the fault-injection drop observer. Test support.
func (n *inprocNetwork) SetDropHandler(fn func(msg *Message, isSend bool)) {
	n.dropMu.Lock()
	n.dropHandler = fn
	n.dropMu.Unlock()
}

func (n *inprocNetwork) InjectDropMessage(msg *Message, isSend bool) {
	n.dropMu.Lock()
	fn := n.dropHandler
	n.dropMu.Unlock()
	if fn != nil {
		fn(msg, isSend)
	}
}

func lookupInproc(port int) *inprocNetwork {
	r := &inprocRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPort[port]
}

func (n *inprocNetwork) SendMessage(msg *Message) {
	msg.AddRef()
	defer msg.ReleaseRef()

	target := lookupInproc(msg.Header.ToAddress.Port())
	if target == nil || target.isStopped() {
		if msg.Header.IsRequest {
			// Connection failure: the matcher sees an early termination.
			n.engine.OnRecvReply(n, msg.Header.ID, nil, 0)
		} else {
			slog.Debug("inproc reply dropped, peer gone",
				"to", msg.Header.ToAddress.String(), "trace_id", traceHex(msg.Header.TraceID))
		}
		return
	}

	clone := wireClone(msg)
	if msg.Header.IsRequest {
		clone.session = &inprocSession{net: target, peerPort: n.addr.Port()}
		target.engine.OnRecvRequest(target, clone, 0)
	} else {
		target.engine.OnRecvReply(target, clone.Header.ID, clone, 0)
	}
}

func (n *inprocNetwork) isStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

// wireClone is what crossing the wire does to an envelope: the header and
// body travel, the logical server address, resolved local code and any
// session binding do not.
func wireClone(msg *Message) *Message {
	c := newMessage()
	c.Header = msg.Header
	c.Body = append([]byte(nil), msg.Body...)
	c.hdrFormat = msg.hdrFormat
	return c
}

// inprocSession routes responses back to the engine that issued the
// request. Loopback delivery is synchronous, so nothing ever sits in a
// send queue and Cancel always reports the message as already written.
type inprocSession struct {
	net      *inprocNetwork
	peerPort int
}

func (s *inprocSession) Net() Network { return s.net }

func (s *inprocSession) Cancel(msg *Message) bool { return false }

func (s *inprocSession) SendMessage(msg *Message) {
	msg.AddRef()
	defer msg.ReleaseRef()

	peer := lookupInproc(s.peerPort)
	if peer == nil || peer.isStopped() {
		slog.Debug("inproc session reply dropped, peer gone", "peer_port", s.peerPort)
		return
	}
	clone := wireClone(msg)
	peer.engine.OnRecvReply(peer, clone.Header.ID, clone, 0)
}
