package courier

// Network is the transport contract: a provider delivers framed messages
// both ways and hands inbound traffic to the engine via OnRecvRequest /
// OnRecvReply. Providers are created through a factory chain — a base
// provider wrapped by zero or more aspects (decorators) in declared
// order — so cross-cutting concerns compose without changing the core
// path.

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Channel identifies the rpc channel a message travels on.
type Channel uint8

const (
	ChannelTCP Channel = iota
	ChannelUDP
	channelCount
)

func (c Channel) String() string {
	switch c {
	case ChannelTCP:
		return "tcp"
	case ChannelUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseChannel maps a config string to a Channel.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ChannelTCP, nil
	case "udp":
		return ChannelUDP, nil
	default:
		return 0, errors.Wrapf(ErrUnknownChannel, "%q", s)
	}
}

// HeaderFormat enumerates wire header formats. Client transports are
// indexed by (header format, channel).
type HeaderFormat uint8

const (
	HeaderFormatInvalid HeaderFormat = iota
	HeaderFormatNative
	headerFormatCount
)

func (f HeaderFormat) String() string {
	switch f {
	case HeaderFormatNative:
		return "native"
	default:
		return "invalid"
	}
}

// ParseHeaderFormat maps a config string to a HeaderFormat.
func ParseHeaderFormat(s string) (HeaderFormat, error) {
	switch strings.ToLower(s) {
	case "native", "":
		return HeaderFormatNative, nil
	default:
		return HeaderFormatInvalid, errors.Wrapf(ErrUnknownFormat, "%q", s)
	}
}

// Network is implemented by transport providers.
type Network interface {
	// Start binds the provider. clientOnly providers never accept inbound
	// connections; port is advisory for them.
	Start(channel Channel, port int, clientOnly bool) error

	// Address is the provider's reachable address once started.
	Address() Address

	// SendMessage hands a framed message to the wire. Non-blocking or
	// short-blocking.
	SendMessage(msg *Message)

	// InjectDropMessage notifies the provider's failure model that msg was
	// dropped by fault injection (isSend: on the send path).
	InjectDropMessage(msg *Message, isSend bool)

	// ResetParserAttr fixes the header format and read buffer block size
	// the provider parses inbound frames with.
	ResetParserAttr(format HeaderFormat, bufferBlockSize int)

	// Stop tears the provider down.
	Stop()
}

// Session is one transport conversation (a connection, for
// connection-oriented providers). Responses to requests that arrived on a
// session are routed back over it.
type Session interface {
	SendMessage(msg *Message)

	// Cancel withdraws a message sitting in the session's send queue.
	// Returns false when the message was already written or never queued.
	Cancel(msg *Message) bool

	Net() Network
}

// NetworkFactory builds a provider. For base providers inner is nil; for
// aspects it is the provider being wrapped.
type NetworkFactory func(engine *Engine, inner Network) Network

var networkFactories = struct {
	mu sync.RWMutex
	m  map[string]NetworkFactory
}{m: map[string]NetworkFactory{}}

// RegisterNetworkFactory installs a provider or aspect factory under name.
// Later registrations replace earlier ones, which lets tests install
// doubles under the production names.
func RegisterNetworkFactory(name string, f NetworkFactory) {
	networkFactories.mu.Lock()
	defer networkFactories.mu.Unlock()
	networkFactories.m[name] = f
}

func lookupNetworkFactory(name string) (NetworkFactory, error) {
	networkFactories.mu.RLock()
	defer networkFactories.mu.RUnlock()
	f, ok := networkFactories.m[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFactory, "%q", name)
	}
	return f, nil
}
