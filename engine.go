package courier

// Engine orchestrates outbound calls and inbound dispatch.
//
// Outbound: Call stamps the from-address and a fresh trace id, then
// dispatches on the server address kind — IPv4 directly, Group through
// the per-code addressing mode, URI through the resolver with the
// bounded-backoff retry shim. callIP registers the pending call with the
// matcher before the transport send, so a reply can never race past an
// unregistered id.
//
// Inbound: transports hand requests to OnRecvRequest (interceptor →
// dispatcher → HANDLER_NOT_FOUND synthesis) and replies to OnRecvReply
// (straight into the matcher).
//
// Transports: one client provider per (header format, channel), one
// server provider per (port, channel). Providers come from the factory
// chain (base + aspects) and are fixed after Start.

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Engine struct {
	config   engineConfig
	executor *Executor
	ownsExec bool

	matcher    *clientMatcher
	dispatcher *serverDispatcher
	resolvers  *ResolverManager
	metrics    *Metrics

	clientNets [headerFormatCount][channelCount]Network
	serverNets map[int][]Network

	primaryAddress Address

	isRunning atomic.Bool
	isServing atomic.Bool
	stopOnce  sync.Once
}

// NewEngine builds an engine from cfg. Task codes must be registered
// before this point; the dispatcher sizes its slot table here.
func NewEngine(cfg Config, opts ...Option) *Engine {
	ec := defaultEngineConfig()
	ec.cfg = cfg
	for _, o := range opts {
		o(&ec)
	}

	e := &Engine{
		config:     ec,
		dispatcher: newServerDispatcher(),
		resolvers:  ec.resolverManager,
		metrics:    newMetrics(),
		serverNets: make(map[int][]Network),
	}
	if ec.executor != nil {
		e.executor = ec.executor
	} else {
		e.executor = NewExecutor(ec.executorWorkers)
		e.ownsExec = true
	}
	e.matcher = newClientMatcher(e)
	return e
}

// Metrics exposes the engine's counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Executor exposes the engine's task executor.
func (e *Engine) Executor() *Executor { return e.executor }

// PrimaryAddress is the address peers use to reach this node. Valid
// after Start.
func (e *Engine) PrimaryAddress() Address { return e.primaryAddress }

// IsRunning reports whether networks are started.
func (e *Engine) IsRunning() bool { return e.isRunning.Load() }

// SetServing flips acceptance of inbound requests. Requests arriving
// while not serving are dropped.
func (e *Engine) SetServing(on bool) { e.isServing.Store(on) }

// createNetwork runs the factory chain: base provider, parser attributes,
// then aspects in declared order, then start.
func (e *Engine) createNetwork(factory string, aspects []string, format HeaderFormat,
	blockSize int, channel Channel, port int, clientOnly bool) (Network, error) {

	f, err := lookupNetworkFactory(factory)
	if err != nil {
		return nil, err
	}
	net := f(e, nil)
	net.ResetParserAttr(format, blockSize)

	for _, name := range aspects {
		af, err := lookupNetworkFactory(name)
		if err != nil {
			return nil, err
		}
		net = af(e, net)
	}

	if err := net.Start(channel, port, clientOnly); err != nil {
		return nil, err
	}
	return net, nil
}

// Start creates and starts all configured transports. Server listeners
// bind concurrently; the first failure aborts the start.
func (e *Engine) Start() error {
	if !e.isRunning.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}

	cfg := &e.config.cfg

	// Client transports: one per (header format, channel) declared.
	for f := HeaderFormatInvalid + 1; f < headerFormatCount; f++ {
		for _, nc := range cfg.ClientNetworks {
			ch, err := ParseChannel(nc.Channel)
			if err != nil {
				e.isRunning.Store(false)
				return err
			}
			net, err := e.createNetwork(nc.Factory, nc.Aspects, f, nc.BufferBlockSize, ch, 0, true)
			if err != nil {
				e.isRunning.Store(false)
				return err
			}
			e.clientNets[f][ch] = net
			slog.Info("client network started",
				"channel", ch.String(), "format", f.String(), "factory", nc.Factory)
		}
	}

	// Server transports: port → per-channel array, started concurrently.
	var mu sync.Mutex
	var g errgroup.Group
	for _, sc := range cfg.ServerNetworks {
		sc := sc
		g.Go(func() error {
			ch, err := ParseChannel(sc.Channel)
			if err != nil {
				return err
			}
			net, err := e.createNetwork(sc.Factory, sc.Aspects, HeaderFormatNative,
				sc.BufferBlockSize, ch, sc.Port, false)
			if err != nil {
				return err
			}
			mu.Lock()
			nets := e.serverNets[sc.Port]
			if nets == nil {
				nets = make([]Network, channelCount)
				e.serverNets[sc.Port] = nets
			}
			nets[ch] = net
			mu.Unlock()
			slog.Info("server network started", "port", sc.Port, "channel", ch.String())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.isRunning.Store(false)
		return err
	}

	if nets, ok := e.serverNets[cfg.PrimaryPort]; ok {
		for _, n := range nets {
			if n != nil {
				e.primaryAddress = n.Address()
				break
			}
		}
	}
	if e.primaryAddress.IsInvalid() {
		// Pure client: the first client network names us.
		for f := HeaderFormatInvalid + 1; f < headerFormatCount; f++ {
			for ch := Channel(0); ch < channelCount; ch++ {
				if n := e.clientNets[f][ch]; n != nil {
					e.primaryAddress = n.Address()
					break
				}
			}
		}
	}

	slog.Info("rpc engine started", "primary_address", e.primaryAddress.String())
	return nil
}

// Stop tears down all transports. Every in-flight call must have
// terminated; a non-empty matcher is a fatal invariant violation.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.isServing.Store(false)
		e.isRunning.Store(false)
		for f := range e.clientNets {
			for ch := range e.clientNets[f] {
				if n := e.clientNets[f][ch]; n != nil {
					n.Stop()
				}
			}
		}
		for _, nets := range e.serverNets {
			for _, n := range nets {
				if n != nil {
					n.Stop()
				}
			}
		}
		e.matcher.assertEmpty()
		if e.ownsExec {
			e.executor.Stop()
		}
	})
}

// RegisterHandler installs h for code under both the code name and
// extraName. Duplicate registration is fatal.
func (e *Engine) RegisterHandler(code TaskCode, extraName string, h RequestHandler) bool {
	return e.dispatcher.Register(code, extraName, h)
}

// UnregisterHandler removes the handler for code.
func (e *Engine) UnregisterHandler(code TaskCode) bool {
	return e.dispatcher.Unregister(code)
}

// Call dispatches an outbound request. The pending call receives exactly
// one of reply, timeout, or redirect-terminal. call may be nil for
// one-way sends.
func (e *Engine) Call(request *Message, call *ResponseTask) {
	request.Header.FromAddress = e.primaryAddress
	request.Header.TraceID = newTraceID()
	e.callAddress(request.ServerAddress, request, call)
}

func (e *Engine) callAddress(addr Address, request *Message, call *ResponseTask) {
	switch addr.Type() {
	case HostTypeIPv4:
		e.callIP(addr, request, call, false, false)
	case HostTypeGroup:
		e.callGroup(addr, request, call)
	case HostTypeURI:
		e.callURI(request, call)
	default:
		panic("call on invalid server address")
	}
}

func (e *Engine) callGroup(addr Address, request *Message, call *ResponseTask) {
	spec := request.LocalCode.Spec()
	g := addr.Group()
	switch spec.GRPCMode {
	case GRPCToLeader:
		e.callIP(g.PossibleLeader(), request, call, false, false)
	case GRPCToAny:
		e.callIP(g.RandomMember(), request, call, false, false)
	case GRPCToAll:
		panic("GRPC_TO_ALL is not implemented")
	default:
		panic(fmt.Sprintf("invalid group rpc mode %d", spec.GRPCMode))
	}
}

// resolverFor finds the resolver for a URI address: the one bound to the
// address, or the engine manager's as a fallback for unbound addresses.
func (e *Engine) resolverFor(uri *URIAddress) Resolver {
	if r := uri.Resolver(); r != nil {
		return r
	}
	if e.resolvers != nil {
		return e.resolvers.Resolver(uri.URI())
	}
	return nil
}

func (e *Engine) callURI(request *Message, call *ResponseTask) {
	uri := request.ServerAddress.URI()
	resolver := e.resolverFor(uri)
	if resolver == nil {
		slog.Error("no partition resolver for uri", "uri", uri.URI())
		if call != nil {
			call.Enqueue(ErrServiceNotFound, nil)
		} else {
			request.dropRef()
		}
		return
	}

	if call != nil {
		e.installURIRetryShim(request, call)
	}

	resolver.Resolve(request.Header.Client.PartitionHash, func(res ResolveResult) {
		if res.Err != ErrOK {
			if call != nil {
				call.Enqueue(res.Err, nil)
			} else {
				request.dropRef()
			}
			return
		}
		if request.Header.GPID.Value() != res.PID.Value() {
			if !request.Header.GPID.IsZero() {
				panic("inconsistent gpid across resolutions")
			}
			request.Header.GPID = res.PID
			if request.Header.Client.ThreadHash == 0 {
				request.Header.Client.ThreadHash = res.PID.ThreadHash()
			}
		}
		e.callAddress(res.Address, request, call)
	}, request.Header.Client.TimeoutMS)
}

// uriRetryFinal codes never trigger the retry shim: they are definitive
// outcomes the resolver cannot improve on.
func uriRetryFinal(err ErrorCode) bool {
	return err == ErrOK || err == ErrHandlerNotFound || err == ErrAppNotExist ||
		err == ErrOperationDisabled
}

// installURIRetryShim wraps the call's handler so partition access
// failures turn into bounded-backoff retries until the deadline, instead
// of surfacing to the user. The shim restores the original handler before
// re-issuing, so each attempt starts with a clean chain; the matcher's
// READY-state check makes the restore race-free against timer fire.
func (e *Engine) installURIRetryShim(request *Message, call *ResponseTask) {
	deadlineMS := nowMS() + int64(request.Header.Client.TimeoutMS)
	old := call.Handler()

	call.ReplaceHandler(func(err ErrorCode, req *Message, resp *Message) {
		if !req.Header.GPID.IsZero() && !uriRetryFinal(err) {
			if resolver := e.resolverFor(req.ServerAddress.URI()); resolver != nil {
				resolver.OnAccessFailure(req.Header.GPID.PartitionIndex, err)

				now := nowMS()
				gap := int64(8) << req.SendRetryCount
				if gap > 1000 {
					gap = 1000
				}
				if now+gap < deadlineMS {
					req.SendRetryCount++
					req.Header.Client.TimeoutMS = int32(deadlineMS - now - gap)
					call.ReplaceHandler(old)
					if !call.prepareRetry() {
						panic("uri retry on a response task that is not running")
					}
					if resp != nil {
						resp.ReleaseRef()
					}
					e.metrics.URIRetries.Add(1)
					e.executor.Enqueue(NewTask(func() {
						e.callAddress(req.ServerAddress, req, call)
					}), time.Duration(gap)*time.Millisecond)
					return
				}

				slog.Warn("service access failed, no more time for further tries",
					"error", err.String(), "trace_id", traceHex(req.Header.TraceID))
				err = ErrTimeout
			}
		}
		if old != nil {
			old(err, req, resp)
		}
	})
}

// callIP issues one attempt at a concrete endpoint. resetID allocates a
// fresh request id (forward redirect); setForwarded marks the message as
// forwarded (server-side forward).
func (e *Engine) callIP(addr Address, request *Message, call *ResponseTask,
	resetID bool, setForwarded bool) {

	if addr.Type() != HostTypeIPv4 {
		panic("callIP requires an IPv4 address")
	}
	if addr.Port() <= MaxClientPort {
		panic(fmt.Sprintf("cannot call client-range port %d", addr.Port()))
	}
	if request.Header.FromAddress.IsInvalid() {
		panic("from address must be set before callIP")
	}

	// A resend may find the previous transmission still queued on a
	// session; pick it out so one attempt is on the wire at a time.
	if request.queued.Load() {
		if s := request.session; s != nil {
			s.Cancel(request)
		}
	}

	request.Header.ToAddress = addr

	spec := request.LocalCode.Spec()
	net := e.clientNets[request.hdrFormat][spec.Channel]
	if net == nil {
		panic(fmt.Sprintf("no client network for channel %q format %q used by rpc %s",
			spec.Channel.String(), request.hdrFormat.String(), request.Header.RPCName))
	}

	if resetID {
		request.Header.ID = newMessageID()
	}
	if setForwarded {
		request.Header.IsForwarded = true
	}

	slog.Debug("rpc call",
		"rpc", request.Header.RPCName, "remote", addr.String(),
		"channel", spec.Channel.String(), "id", request.Header.ID,
		"trace_id", traceHex(request.Header.TraceID))

	// Join point and possible fault injection.
	if !spec.execRPCCall(request, call) {
		slog.Debug("rpc request dropped (fault inject)",
			"rpc", request.Header.RPCName, "trace_id", traceHex(request.Header.TraceID))
		net.InjectDropMessage(request, true)
		e.metrics.FaultDrops.Add(1)
		if call != nil {
			call.SetDelay(request.Header.Client.TimeoutMS)
			call.Enqueue(ErrTimeout, nil)
		} else {
			request.dropRef()
		}
		return
	}

	if call != nil {
		e.matcher.OnCall(request, call)
	}
	e.metrics.RequestsSent.Add(1)
	net.SendMessage(request)
}

// OnRecvRequest is the inbound request path, called by transports.
func (e *Engine) OnRecvRequest(net Network, msg *Message, delayMS int32) {
	if !e.isServing.Load() {
		slog.Warn("request received while engine is not serving",
			"rpc", msg.Header.RPCName, "from", msg.Header.FromAddress.String(),
			"trace_id", traceHex(msg.Header.TraceID))
		e.metrics.NotServingDrops.Add(1)
		msg.dropRef()
		return
	}

	var task *RequestTask

	// Requests addressed at a hosted partition may be intercepted by the
	// node before the plain handler registry is consulted.
	if msg.Header.GPID.AppID > 0 && e.config.interceptor != nil {
		task = e.config.interceptor(msg)
	}
	if task == nil {
		task = e.dispatcher.OnRequest(msg, e.executor)
	}

	if task == nil {
		slog.Warn("request with unhandled rpc name",
			"rpc", msg.Header.RPCName, "from", msg.Header.FromAddress.String(),
			"trace_id", traceHex(msg.Header.TraceID))
		e.metrics.HandlerNotFound.Add(1)
		resp := msg.CreateResponse()
		e.Reply(resp, ErrHandlerNotFound)
		msg.dropRef()
		return
	}

	if task.Spec().execRPCRequestEnqueue(task) {
		// A fault injector may have assigned its own delay already.
		if task.DelayMS() == 0 {
			task.SetDelay(delayMS)
		}
		e.metrics.RequestsServed.Add(1)
		task.Enqueue()
	} else {
		slog.Debug("rpc request dropped (fault inject)",
			"rpc", msg.Header.RPCName, "trace_id", traceHex(msg.Header.TraceID))
		net.InjectDropMessage(msg, false)
		e.metrics.FaultDrops.Add(1)
		task.drop()
	}
}

// OnRecvReply is the inbound reply path, called by transports. A nil
// reply signals early termination of the session.
func (e *Engine) OnRecvReply(net Network, id uint64, reply *Message, delayMS int32) bool {
	return e.matcher.OnRecvReply(net, id, reply, delayMS)
}

// Reply sends a response built with CreateResponse back to the caller.
// Routing: the owning session when one exists and the response is not
// forwarded; the matching client transport for forwarded responses; the
// server transport of the original port for datagram traffic.
func (e *Engine) Reply(response *Message, err ErrorCode) {
	s := response.session
	if s == nil && response.Header.ToAddress.IsInvalid() {
		slog.Debug("rpc reply dropped (invalid to-address)",
			"rpc", response.Header.RPCName, "trace_id", traceHex(response.Header.TraceID))
		response.dropRef()
		return
	}

	response.Header.Server.ErrorCode = err
	response.Header.Server.ErrorName = err.String()

	// The response code may be unresolved when the request's rpc name was
	// unknown; hooks and channel policy then fall back to defaults.
	var spec *TaskSpec
	if response.LocalCode != TaskCodeInvalid {
		spec = response.LocalCode.Spec()
	}

	noFail := true
	if spec != nil {
		noFail = spec.execRPCReply(response)
	}

	switch {
	case s != nil && !response.Header.IsForwarded:
		// Connection-oriented with a bound session.
		if noFail {
			s.SendMessage(response)
		} else {
			s.Net().InjectDropMessage(response, true)
		}

	case s != nil:
		// Forwarded: the original session belongs to another exchange, so
		// route over the client transport for the response's format.
		if response.Header.ToAddress.Port() <= MaxClientPort {
			panic("forwarded response must target a server-range port")
		}
		ch := ChannelTCP
		if spec != nil {
			ch = spec.Channel
		}
		net := e.clientNets[response.hdrFormat][ch]
		if net == nil {
			panic(fmt.Sprintf("no client network for forwarded reply on channel %q", ch.String()))
		}
		if noFail {
			net.SendMessage(response)
		} else {
			net.InjectDropMessage(response, true)
		}

	default:
		// Datagram: always the named server transport.
		if response.Header.ToAddress.Port() <= MaxClientPort {
			panic("datagram response must target a server-range port")
		}
		ch := ChannelTCP
		if spec != nil {
			ch = spec.Channel
		}
		port := response.Header.FromAddress.Port()
		nets := e.serverNets[port]
		var net Network
		if nets != nil {
			net = nets[ch]
		}
		if net == nil {
			panic(fmt.Sprintf("no server network on port %d channel %q", port, ch.String()))
		}
		if noFail {
			net.SendMessage(response)
		} else {
			net.InjectDropMessage(response, true)
		}
	}

	if !noFail {
		e.metrics.FaultDrops.Add(1)
		response.dropRef()
	}
}

// Forward redirects an inbound request to another server. A request from
// a pure client cannot be pushed elsewhere — the client owns the only
// session — so the redirect is faked with a FORWARD_TO_OTHERS response
// naming the target; the client re-issues. Otherwise the request is
// copied and re-sent with the forwarded flag, keeping the original id so
// the origin's matcher still recognizes the eventual response.
func (e *Engine) Forward(request *Message, addr Address) {
	if !request.Header.IsRequest {
		panic("only rpc requests can be forwarded")
	}
	if !request.Header.IsForwardSupported {
		panic(fmt.Sprintf("rpc %s does not support forwarding", request.Header.RPCName))
	}
	if addr.Equal(e.primaryAddress) {
		panic("cannot forward to the local node")
	}

	if request.Header.FromAddress.Port() <= MaxClientPort {
		resp := request.CreateResponse()
		resp.Body = encodeAddress(nil, addr)
		e.Reply(resp, ErrForwardToOthers)
		return
	}

	e.metrics.ForwardsSent.Add(1)
	e.callIP(addr, request.CopyForForward(), nil, false, true)
}
