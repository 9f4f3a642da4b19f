package courier

// Message is the engine's envelope for both requests and responses.
//
// Invariants:
//   - A request that has entered the matcher has a unique non-zero ID
//     across all in-flight requests of the engine.
//   - FromAddress is stamped before any transport send.
//   - When IsForwarded is set, ToAddress carries a server-range port
//     (> MaxClientPort): a forwarded message can never target a pure client.
//   - The reference count governs destruction; ownership transfers to the
//     matcher on OnCall and back to the completion path on removal.

import (
	"math/rand"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
)

// GPID is a global partition id: (app id, partition index). The zero value
// means unassigned.
type GPID struct {
	AppID          int32
	PartitionIndex int32
}

func (g GPID) Value() uint64 {
	return uint64(uint32(g.AppID))<<32 | uint64(uint32(g.PartitionIndex))
}

func (g GPID) IsZero() bool { return g.AppID == 0 && g.PartitionIndex == 0 }

// ThreadHash derives the default client thread hash for a partition. It
// travels in the request header; the local Executor does not schedule by
// it.
func (g GPID) ThreadHash() int32 {
	return g.AppID*7919 + g.PartitionIndex
}

type ClientHeader struct {
	TimeoutMS     int32
	PartitionHash uint64
	ThreadHash    int32
}

// ServerHeader is populated on responses only.
type ServerHeader struct {
	ErrorCode ErrorCode
	ErrorName string
}

type MessageHeader struct {
	ID      uint64
	TraceID uint64
	RPCName string
	GPID    GPID

	FromAddress Address
	ToAddress   Address

	Client ClientHeader
	Server ServerHeader

	IsRequest          bool
	IsForwarded        bool
	IsForwardSupported bool
}

type Message struct {
	Header MessageHeader

	// ServerAddress is the original logical target of the call (possibly a
	// group or URI); ToAddress is the concrete endpoint of the current
	// attempt.
	ServerAddress Address

	Body []byte

	// LocalCode is the locally resolved task code, TaskCodeInvalid until
	// the dispatcher or constructor resolves Header.RPCName.
	LocalCode TaskCode

	// SendRetryCount counts URI-layer retries of this request.
	SendRetryCount uint32

	hdrFormat HeaderFormat

	// session is the transport session that produced this message, if any.
	// Set once before the message is handed to the engine.
	session Session

	// queued is set while the message sits in a session's send queue;
	// cancelled marks a queued message that must not be written.
	queued    atomic.Bool
	cancelled atomic.Bool

	refs atomic.Int32
}

var messageIDSeq atomic.Uint64

// newMessageID allocates the next request id. IDs are non-zero and unique
// for the lifetime of the process.
func newMessageID() uint64 {
	return messageIDSeq.Add(1)
}

func newTraceID() uint64 {
	return rand.Uint64()
}

// liveMessages tracks envelopes that have not yet been destroyed. Tests
// use it to prove the no-leak property.
var liveMessages atomic.Int64

// Messages are created unowned (reference count zero). Holders — the
// pending call on its request, a request task on its message, a send
// queue on a queued message — take a reference for their lifetime;
// transports bump around delivery so an unowned message is destroyed the
// moment the wire is done with it.
func newMessage() *Message {
	m := &Message{}
	liveMessages.Add(1)
	return m
}

// NewRequest builds a request message for the given task code. The caller
// sets ServerAddress (and optionally partition hash) before handing it to
// Engine.Call.
func NewRequest(code TaskCode, timeoutMS int32) *Message {
	spec := code.Spec()
	m := newMessage()
	m.Header.ID = newMessageID()
	m.Header.RPCName = spec.Name
	m.Header.IsRequest = true
	m.Header.IsForwardSupported = spec.ForwardSupported
	m.Header.Client.TimeoutMS = timeoutMS
	m.LocalCode = code
	m.hdrFormat = spec.HeaderFormat
	return m
}

// CreateResponse builds the response envelope for a request: same id,
// trace id and code, addresses swapped, bound to the request's session so
// Reply can route it back. The forwarded flag is carried over — a response
// to a forwarded request cannot be sent on the original session.
func (m *Message) CreateResponse() *Message {
	r := newMessage()
	r.Header.ID = m.Header.ID
	r.Header.TraceID = m.Header.TraceID
	r.Header.RPCName = m.Header.RPCName
	r.Header.GPID = m.Header.GPID
	r.Header.FromAddress = m.Header.ToAddress
	r.Header.ToAddress = m.Header.FromAddress
	r.Header.IsForwarded = m.Header.IsForwarded
	r.Header.Client = m.Header.Client
	r.LocalCode = m.LocalCode
	r.hdrFormat = m.hdrFormat
	r.session = m.session
	return r
}

// CopyForForward clones a request for forwarding to another server. The id
// and trace id are preserved (the origin client matches the eventual
// response by id); the clone is detached from the inbound session.
func (m *Message) CopyForForward() *Message {
	r := newMessage()
	r.Header = m.Header
	r.ServerAddress = m.ServerAddress
	r.Body = m.Body
	r.LocalCode = m.LocalCode
	r.hdrFormat = m.hdrFormat
	return r
}

// SetPartitionKey hashes key into the client partition hash.
func (m *Message) SetPartitionKey(key []byte) {
	m.Header.Client.PartitionHash = xxhash.Checksum64(key)
}

// Session returns the transport session that produced this message, or nil.
func (m *Message) Session() Session { return m.session }

func (m *Message) AddRef() {
	m.refs.Add(1)
}

func (m *Message) ReleaseRef() {
	n := m.refs.Add(-1)
	if n == 0 {
		liveMessages.Add(-1)
		return
	}
	if n < 0 {
		panic("message reference count underflow")
	}
}

// dropRef destroys a message nobody holds: the ref count is bumped then
// dropped so a zero-count message is released exactly once. Drop paths
// (fault injection, not-serving, orphaned replies) use this.
func (m *Message) dropRef() {
	m.AddRef()
	m.ReleaseRef()
}

// TraceID is exposed for log correlation.
func (m *Message) TraceID() uint64 { return m.Header.TraceID }
