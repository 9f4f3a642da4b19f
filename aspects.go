package courier

// Network aspects: decorators layered over a base provider by the factory
// chain. An aspect sees every call on the Network surface and forwards to
// the provider beneath it, so cross-cutting concerns (drop accounting,
// chaos, tracing) compose without touching the core path.

import (
	"sync/atomic"
)

// aspectNetwork forwards the full Network surface to the wrapped
// provider. Concrete aspects embed it and override what they observe.
type aspectNetwork struct {
	inner Network
}

func (a *aspectNetwork) Start(channel Channel, port int, clientOnly bool) error {
	return a.inner.Start(channel, port, clientOnly)
}
func (a *aspectNetwork) Address() Address      { return a.inner.Address() }
func (a *aspectNetwork) SendMessage(m *Message) { a.inner.SendMessage(m) }
func (a *aspectNetwork) InjectDropMessage(m *Message, isSend bool) {
	a.inner.InjectDropMessage(m, isSend)
}
func (a *aspectNetwork) ResetParserAttr(f HeaderFormat, n int) { a.inner.ResetParserAttr(f, n) }
func (a *aspectNetwork) Stop()                                 { a.inner.Stop() }

// dropCounterAspect counts fault-injected drops flowing through the
// chain before handing them to the provider's own failure model.
type dropCounterAspect struct {
	aspectNetwork
	SendDrops atomic.Int64
	RecvDrops atomic.Int64
}

func init() {
	RegisterNetworkFactory("drop-counter", func(e *Engine, inner Network) Network {
		return &dropCounterAspect{aspectNetwork: aspectNetwork{inner: inner}}
	})
}

func (a *dropCounterAspect) InjectDropMessage(m *Message, isSend bool) {
	if isSend {
		a.SendDrops.Add(1)
	} else {
		a.RecvDrops.Add(1)
	}
	a.aspectNetwork.InjectDropMessage(m, isSend)
}
