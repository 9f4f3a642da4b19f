package courier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Task codes shared by the engine tests. Registered at package init so
// every engine's dispatcher is sized for them.
var (
	rpcTestEcho    = RegisterTaskCode("RPC_TEST_ECHO", WithForwardSupported(true))
	rpcTestSilent  = RegisterTaskCode("RPC_TEST_SILENT")
	rpcTestResend  = RegisterTaskCode("RPC_TEST_RESEND", WithResendTimeout(200))
	rpcTestFlaky   = RegisterTaskCode("RPC_TEST_FLAKY")
	rpcTestMissing = RegisterTaskCode("RPC_TEST_MISSING")
)

var testPortSeq atomic.Int64

func init() {
	testPortSeq.Store(20000)
}

func nextTestPort() int {
	return int(testPortSeq.Add(1))
}

func inprocConfig(port int) Config {
	cfg := DefaultConfig(port)
	cfg.ClientNetworks[0].Factory = "inproc"
	cfg.ServerNetworks[0].Factory = "inproc"
	return cfg
}

// newTestServer starts a serving engine on a fresh inproc port.
func newTestServer(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(inprocConfig(nextTestPort()))
	if err := e.Start(); err != nil {
		t.Fatalf("start server engine: %v", err)
	}
	e.SetServing(true)
	t.Cleanup(e.Stop)
	return e
}

// newPureClient starts a client-only engine (ephemeral client-range port).
func newPureClient(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(Config{
		ClientNetworks: []ClientNetworkConfig{{Channel: "tcp", Factory: "inproc"}},
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start client engine: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func registerEcho(t *testing.T, e *Engine, code TaskCode, name string) {
	t.Helper()
	e.RegisterHandler(code, name, func(req *Message) {
		resp := req.CreateResponse()
		resp.Body = append([]byte(nil), req.Body...)
		e.Reply(resp, ErrOK)
	})
}

type callResult struct {
	err  ErrorCode
	body []byte
}

// doCall issues req and waits for the single terminal outcome.
func doCall(t *testing.T, e *Engine, req *Message, wait time.Duration) callResult {
	t.Helper()
	done := make(chan callResult, 1)
	call := NewResponseTask(req, e.Executor(), func(err ErrorCode, req, resp *Message) {
		var body []byte
		if resp != nil {
			body = append([]byte(nil), resp.Body...)
		}
		done <- callResult{err: err, body: body}
	})
	e.Call(req, call)
	select {
	case res := <-done:
		return res
	case <-time.After(wait):
		t.Fatalf("call %s did not complete within %s", req.Header.RPCName, wait)
		return callResult{}
	}
}

// waitNoLeaks waits for the live-message counter to return to base.
func waitNoLeaks(t *testing.T, base int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if liveMessages.Load() == base {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message leak: %d live messages above baseline", liveMessages.Load()-base)
}

func TestEngine_HappyPath(t *testing.T) {
	base := liveMessages.Load()

	server := newTestServer(t)
	registerEcho(t, server, rpcTestEcho, "Echo")
	client := newTestServer(t)

	req := NewRequest(rpcTestEcho, 1000)
	req.ServerAddress = server.PrimaryAddress()
	req.Body = []byte("hi")

	res := doCall(t, client, req, time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK, got %s", res.err)
	}
	if string(res.body) != "hi" {
		t.Fatalf("expected body %q, got %q", "hi", res.body)
	}

	if n := client.matcher.inflight(); n != 0 {
		t.Fatalf("expected empty matcher, %d entries remain", n)
	}
	waitNoLeaks(t, base)
}

func TestEngine_TimeoutNoResend(t *testing.T) {
	base := liveMessages.Load()

	server := newTestServer(t)
	// Handler swallows the request: no reply ever.
	server.RegisterHandler(rpcTestSilent, "Silent", func(req *Message) {})
	client := newTestServer(t)

	req := NewRequest(rpcTestSilent, 100)
	req.ServerAddress = server.PrimaryAddress()

	start := time.Now()
	res := doCall(t, client, req, time.Second)
	if res.err != ErrTimeout {
		t.Fatalf("expected ERR_TIMEOUT, got %s", res.err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("timeout fired too early: %s", elapsed)
	}
	if n := client.matcher.inflight(); n != 0 {
		t.Fatalf("expected empty matcher, %d entries remain", n)
	}
	waitNoLeaks(t, base)
}

func TestEngine_ResendThenSuccess(t *testing.T) {
	server := newTestServer(t)
	var received atomic.Int32
	server.RegisterHandler(rpcTestResend, "Resend", func(req *Message) {
		if received.Add(1) == 1 {
			return // drop the first transmission
		}
		resp := req.CreateResponse()
		resp.Body = []byte("second time lucky")
		server.Reply(resp, ErrOK)
	})
	client := newTestServer(t)

	req := NewRequest(rpcTestResend, 1000)
	req.ServerAddress = server.PrimaryAddress()
	id := req.Header.ID

	start := time.Now()
	res := doCall(t, client, req, 2*time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK after resend, got %s", res.err)
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Fatalf("resend happened before the threshold: %s", elapsed)
	}
	if n := received.Load(); n != 2 {
		t.Fatalf("expected exactly 2 transmissions, got %d", n)
	}
	if req.Header.ID != id {
		t.Fatalf("resend must reuse the request id: %d != %d", req.Header.ID, id)
	}
	if got := client.Metrics().Resends.Load(); got != 1 {
		t.Fatalf("expected 1 resend, metrics report %d", got)
	}
}

func TestEngine_ResendAtMostOnce(t *testing.T) {
	server := newTestServer(t)
	var received atomic.Int32
	server.RegisterHandler(rpcTestResend, "Resend", func(req *Message) {
		received.Add(1) // never reply
	})
	client := newTestServer(t)

	req := NewRequest(rpcTestResend, 600)
	req.ServerAddress = server.PrimaryAddress()

	res := doCall(t, client, req, 2*time.Second)
	if res.err != ErrTimeout {
		t.Fatalf("expected ERR_TIMEOUT, got %s", res.err)
	}
	if n := received.Load(); n != 2 {
		t.Fatalf("expected original + exactly one resend, got %d transmissions", n)
	}
}

func TestEngine_ForwardToOthersRedirect(t *testing.T) {
	// Server A answers with a forward hint naming B; B echoes.
	serverB := newTestServer(t)
	registerEcho(t, serverB, rpcTestEcho, "Echo")
	addrB := serverB.PrimaryAddress()

	serverA := newTestServer(t)
	serverA.RegisterHandler(rpcTestEcho, "Echo", func(req *Message) {
		resp := req.CreateResponse()
		resp.Body = encodeAddress(nil, addrB)
		serverA.Reply(resp, ErrForwardToOthers)
	})

	group := NewGroup("replicas", true)
	group.AddMember(serverA.PrimaryAddress())

	client := newTestServer(t)
	req := NewRequest(rpcTestEcho, 1000)
	req.ServerAddress = NewGroupAddress(group)
	req.Body = []byte("find the leader")
	firstID := req.Header.ID

	res := doCall(t, client, req, time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK from B, got %s", res.err)
	}
	if string(res.body) != "find the leader" {
		t.Fatalf("unexpected body %q", res.body)
	}
	if !group.Leader().Equal(addrB) {
		t.Fatalf("group leader should be B (%s), got %s", addrB, group.Leader())
	}
	if req.Header.ID == firstID {
		t.Fatal("redirect must re-issue with a fresh request id")
	}
	if got := client.Metrics().ForwardRedirects.Load(); got != 1 {
		t.Fatalf("expected 1 forward redirect, got %d", got)
	}
}

func TestEngine_PureClientForward(t *testing.T) {
	// X actually serves the call; A fakes the forward because the caller
	// is a pure client it cannot push to.
	serverX := newTestServer(t)
	serverX.RegisterHandler(rpcTestEcho, "Echo", func(req *Message) {
		resp := req.CreateResponse()
		resp.Body = []byte("from-x")
		serverX.Reply(resp, ErrOK)
	})
	addrX := serverX.PrimaryAddress()

	serverA := newTestServer(t)
	serverA.RegisterHandler(rpcTestEcho, "EchoAlias", func(req *Message) {
		serverA.Forward(req, addrX)
	})

	client := newPureClient(t)
	if client.PrimaryAddress().Port() > MaxClientPort {
		t.Fatalf("pure client got a server-range port %d", client.PrimaryAddress().Port())
	}

	req := NewRequest(rpcTestEcho, 1000)
	req.ServerAddress = serverA.PrimaryAddress()

	res := doCall(t, client, req, time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK via redirect, got %s", res.err)
	}
	if string(res.body) != "from-x" {
		t.Fatalf("expected body from X, got %q", res.body)
	}
	// A never called out; it only replied on the original session.
	if n := serverA.Metrics().RequestsSent.Load(); n != 0 {
		t.Fatalf("A must not make outbound calls for a pure-client forward, sent %d", n)
	}
	if n := serverA.Metrics().ForwardsSent.Load(); n != 0 {
		t.Fatalf("A must not really forward for a pure-client caller, forwarded %d", n)
	}
}

func TestEngine_RealForward(t *testing.T) {
	serverX := newTestServer(t)
	serverX.RegisterHandler(rpcTestEcho, "Echo", func(req *Message) {
		if !req.Header.IsForwarded {
			t.Error("forwarded request should carry the forwarded flag")
		}
		resp := req.CreateResponse()
		resp.Body = []byte("served-by-x")
		serverX.Reply(resp, ErrOK)
	})
	addrX := serverX.PrimaryAddress()

	serverA := newTestServer(t)
	serverA.RegisterHandler(rpcTestEcho, "EchoAlias", func(req *Message) {
		serverA.Forward(req, addrX)
	})

	// The caller is itself a server, so A can really forward.
	client := newTestServer(t)
	req := NewRequest(rpcTestEcho, 1000)
	req.ServerAddress = serverA.PrimaryAddress()

	res := doCall(t, client, req, time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK, got %s", res.err)
	}
	if string(res.body) != "served-by-x" {
		t.Fatalf("expected X's reply, got %q", res.body)
	}
	if n := serverA.Metrics().ForwardsSent.Load(); n != 1 {
		t.Fatalf("expected 1 real forward, got %d", n)
	}
}

func TestEngine_HandlerNotFound(t *testing.T) {
	server := newTestServer(t) // nothing registered for rpcTestMissing
	client := newTestServer(t)

	req := NewRequest(rpcTestMissing, 1000)
	req.ServerAddress = server.PrimaryAddress()

	res := doCall(t, client, req, time.Second)
	if res.err != ErrHandlerNotFound {
		t.Fatalf("expected ERR_HANDLER_NOT_FOUND, got %s", res.err)
	}
	if n := server.Metrics().HandlerNotFound.Load(); n != 1 {
		t.Fatalf("expected 1 handler-not-found, got %d", n)
	}
}

func TestEngine_NotServingDropsRequests(t *testing.T) {
	server := newTestServer(t)
	registerEcho(t, server, rpcTestEcho, "Echo")
	server.SetServing(false)
	client := newTestServer(t)

	req := NewRequest(rpcTestEcho, 100)
	req.ServerAddress = server.PrimaryAddress()

	res := doCall(t, client, req, time.Second)
	if res.err != ErrTimeout {
		t.Fatalf("expected ERR_TIMEOUT while server not serving, got %s", res.err)
	}
	if n := server.Metrics().NotServingDrops.Load(); n != 1 {
		t.Fatalf("expected 1 not-serving drop, got %d", n)
	}
}

func TestEngine_CallFaultInjectionDeny(t *testing.T) {
	base := liveMessages.Load()

	server := newTestServer(t)
	registerEcho(t, server, rpcTestFlaky, "Flaky")
	client := newTestServer(t)

	spec := rpcTestFlaky.Spec()
	var denied atomic.Int32
	spec.AddRPCCallHook(func(req *Message, call *ResponseTask) bool {
		denied.Add(1)
		return false
	})
	t.Cleanup(spec.ClearHooks)

	req := NewRequest(rpcTestFlaky, 50)
	req.ServerAddress = server.PrimaryAddress()

	res := doCall(t, client, req, time.Second)
	if res.err != ErrTimeout {
		t.Fatalf("denied call should surface as ERR_TIMEOUT, got %s", res.err)
	}
	if denied.Load() != 1 {
		t.Fatalf("hook should fire once, fired %d times", denied.Load())
	}
	if n := client.Metrics().FaultDrops.Load(); n != 1 {
		t.Fatalf("expected 1 fault drop, got %d", n)
	}
	waitNoLeaks(t, base)
}

func TestEngine_CallbackInvokedExactlyOnceUnderRace(t *testing.T) {
	// Timeout and reply race on every call: the server replies right
	// around the client's timeout.
	server := newTestServer(t)
	server.RegisterHandler(rpcTestFlaky, "Flaky", func(req *Message) {
		time.Sleep(time.Duration(req.Header.ID%5) * time.Millisecond)
		resp := req.CreateResponse()
		server.Reply(resp, ErrOK)
	})
	client := newTestServer(t)

	const calls = 200
	var fired [calls]atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < calls; i++ {
		i := i
		wg.Add(1)
		req := NewRequest(rpcTestFlaky, 3) // races with the 0–4ms handler delay
		req.ServerAddress = server.PrimaryAddress()
		call := NewResponseTask(req, client.Executor(), func(err ErrorCode, req, resp *Message) {
			if fired[i].Add(1) == 1 {
				wg.Done()
			}
		})
		client.Call(req, call)
	}
	wg.Wait()
	// Give any double-delivery a chance to land before checking.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < calls; i++ {
		if n := fired[i].Load(); n != 1 {
			t.Fatalf("call %d: callback fired %d times", i, n)
		}
	}
	if n := client.matcher.inflight(); n != 0 {
		t.Fatalf("expected empty matcher after race storm, %d remain", n)
	}
}

func TestEngine_InterceptorHandlesPartitionedRequests(t *testing.T) {
	var e *Engine
	e = NewEngine(inprocConfig(nextTestPort()), WithRequestInterceptor(func(msg *Message) *RequestTask {
		return NewRequestTask(msg, func(req *Message) {
			resp := req.CreateResponse()
			resp.Body = []byte("intercepted")
			e.Reply(resp, ErrOK)
		}, e.Executor())
	}))
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.SetServing(true)
	t.Cleanup(e.Stop)
	registerEcho(t, e, rpcTestEcho, "Echo")

	client := newTestServer(t)

	// A request carrying a gpid goes to the interceptor, not the handler.
	req := NewRequest(rpcTestEcho, 1000)
	req.ServerAddress = e.PrimaryAddress()
	req.Header.GPID = GPID{AppID: 1, PartitionIndex: 0}
	res := doCall(t, client, req, time.Second)
	if res.err != ErrOK || string(res.body) != "intercepted" {
		t.Fatalf("expected interception, got %s %q", res.err, res.body)
	}

	// Without a gpid the plain handler serves it.
	req = NewRequest(rpcTestEcho, 1000)
	req.ServerAddress = e.PrimaryAddress()
	req.Body = []byte("plain")
	res = doCall(t, client, req, time.Second)
	if res.err != ErrOK || string(res.body) != "plain" {
		t.Fatalf("expected plain handling, got %s %q", res.err, res.body)
	}
}

func TestEngine_StartTwiceFails(t *testing.T) {
	e := newTestServer(t)
	if err := e.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
}
