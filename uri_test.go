package courier

import (
	"sync/atomic"
	"testing"
	"time"
)

var rpcTestPartitioned = RegisterTaskCode("RPC_TEST_PARTITIONED")

// fakeResolver resolves every hash to one fixed (pid, address) pair and
// counts access-failure feedback.
type fakeResolver struct {
	addr           Address
	pid            GPID
	resolveErr     ErrorCode
	accessFailures atomic.Int32
}

func (r *fakeResolver) Resolve(partitionHash uint64, cb func(ResolveResult), timeoutMS int32) {
	if r.resolveErr != ErrOK {
		cb(ResolveResult{Err: r.resolveErr})
		return
	}
	cb(ResolveResult{Err: ErrOK, PID: r.pid, Address: r.addr})
}

func (r *fakeResolver) OnAccessFailure(partitionIndex int32, err ErrorCode) {
	r.accessFailures.Add(1)
}

func uriClient(t *testing.T, resolver Resolver) (*Engine, Address) {
	t.Helper()
	var mgr *ResolverManager
	if resolver != nil {
		mgr = NewResolverManager(func(uri string) Resolver { return resolver })
	} else {
		mgr = NewResolverManager(func(uri string) Resolver { return nil })
	}
	e := NewEngine(inprocConfig(nextTestPort()), WithResolverManager(mgr))
	if err := e.Start(); err != nil {
		t.Fatalf("start uri client: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, mgr.OpenURI("dsn://meta/testapp")
}

func TestURI_ResolveAndCall(t *testing.T) {
	server := newTestServer(t)
	registerEcho(t, server, rpcTestPartitioned, "PartEcho")

	resolver := &fakeResolver{
		addr: server.PrimaryAddress(),
		pid:  GPID{AppID: 2, PartitionIndex: 5},
	}
	client, uriAddr := uriClient(t, resolver)

	req := NewRequest(rpcTestPartitioned, 1000)
	req.ServerAddress = uriAddr
	req.SetPartitionKey([]byte("user-42"))
	req.Body = []byte("payload")

	res := doCall(t, client, req, time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK, got %s", res.err)
	}
	if req.Header.GPID != (GPID{AppID: 2, PartitionIndex: 5}) {
		t.Fatalf("gpid not stamped from resolution: %+v", req.Header.GPID)
	}
	if req.Header.Client.ThreadHash == 0 {
		t.Fatal("thread hash should default from the partition")
	}
	if req.Header.Client.PartitionHash == 0 {
		t.Fatal("partition key should hash to a non-zero value")
	}
}

func TestURI_NoResolverIsServiceNotFound(t *testing.T) {
	client, uriAddr := uriClient(t, nil)

	req := NewRequest(rpcTestPartitioned, 1000)
	req.ServerAddress = uriAddr

	res := doCall(t, client, req, time.Second)
	if res.err != ErrServiceNotFound {
		t.Fatalf("expected ERR_SERVICE_NOT_FOUND, got %s", res.err)
	}
}

func TestURI_ResolveFailureSurfaced(t *testing.T) {
	resolver := &fakeResolver{resolveErr: ErrAppNotExist}
	client, uriAddr := uriClient(t, resolver)

	req := NewRequest(rpcTestPartitioned, 1000)
	req.ServerAddress = uriAddr

	res := doCall(t, client, req, time.Second)
	if res.err != ErrAppNotExist {
		t.Fatalf("expected ERR_APP_NOT_EXIST, got %s", res.err)
	}
}

func TestURI_RetryThenSuccess(t *testing.T) {
	server := newTestServer(t)
	var attempts atomic.Int32
	server.RegisterHandler(rpcTestPartitioned, "PartEcho", func(req *Message) {
		resp := req.CreateResponse()
		if attempts.Add(1) == 1 {
			// Generic partition failure on the first attempt.
			server.Reply(resp, ErrInvalidState)
			return
		}
		resp.Body = []byte("recovered")
		server.Reply(resp, ErrOK)
	})

	resolver := &fakeResolver{
		addr: server.PrimaryAddress(),
		pid:  GPID{AppID: 2, PartitionIndex: 1},
	}
	client, uriAddr := uriClient(t, resolver)

	req := NewRequest(rpcTestPartitioned, 1000)
	req.ServerAddress = uriAddr

	res := doCall(t, client, req, 2*time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK after retry, got %s", res.err)
	}
	if string(res.body) != "recovered" {
		t.Fatalf("unexpected body %q", res.body)
	}
	if req.SendRetryCount != 1 {
		t.Fatalf("expected exactly 1 retry, got %d", req.SendRetryCount)
	}
	if resolver.accessFailures.Load() != 1 {
		t.Fatalf("resolver should have seen 1 access failure, saw %d", resolver.accessFailures.Load())
	}
}

func TestURI_RetryExhaustionIsTimeout(t *testing.T) {
	server := newTestServer(t)
	server.RegisterHandler(rpcTestPartitioned, "PartEcho", func(req *Message) {
		resp := req.CreateResponse()
		server.Reply(resp, ErrInvalidState) // every attempt fails
	})

	resolver := &fakeResolver{
		addr: server.PrimaryAddress(),
		pid:  GPID{AppID: 2, PartitionIndex: 1},
	}
	client, uriAddr := uriClient(t, resolver)

	req := NewRequest(rpcTestPartitioned, 50)
	req.ServerAddress = uriAddr

	start := time.Now()
	res := doCall(t, client, req, 2*time.Second)
	elapsed := time.Since(start)

	if res.err != ErrTimeout {
		t.Fatalf("expected ERR_TIMEOUT after exhausting retries, got %s", res.err)
	}
	if req.SendRetryCount < 1 {
		t.Fatal("at least one retry should have happened before exhaustion")
	}
	if resolver.accessFailures.Load() < 1 {
		t.Fatal("resolver should have been told about the failures")
	}
	// Retries stay within the original budget (plus scheduling slack).
	if elapsed > 500*time.Millisecond {
		t.Fatalf("retry loop overran the 50ms budget: %s", elapsed)
	}
}

func TestURI_FinalErrorsAreNotRetried(t *testing.T) {
	server := newTestServer(t) // no handler: HANDLER_NOT_FOUND comes back

	resolver := &fakeResolver{
		addr: server.PrimaryAddress(),
		pid:  GPID{AppID: 2, PartitionIndex: 1},
	}
	client, uriAddr := uriClient(t, resolver)

	req := NewRequest(rpcTestPartitioned, 500)
	req.ServerAddress = uriAddr

	res := doCall(t, client, req, time.Second)
	if res.err != ErrHandlerNotFound {
		t.Fatalf("expected ERR_HANDLER_NOT_FOUND, got %s", res.err)
	}
	if req.SendRetryCount != 0 {
		t.Fatalf("definitive errors must not be retried, got %d retries", req.SendRetryCount)
	}
	if resolver.accessFailures.Load() != 0 {
		t.Fatal("definitive errors must not feed back as access failures")
	}
}
