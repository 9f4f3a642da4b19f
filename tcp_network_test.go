package courier

import (
	"bufio"
	"bytes"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tcpConfig(port int) Config {
	return DefaultConfig(port)
}

func TestTCP_RoundTrip(t *testing.T) {
	port := nextTestPort()
	server := NewEngine(tcpConfig(port))
	server.RegisterHandler(rpcTestEcho, "TCPEcho", func(req *Message) {
		resp := req.CreateResponse()
		resp.Body = append([]byte("tcp:"), req.Body...)
		server.Reply(resp, ErrOK)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("start tcp server: %v", err)
	}
	server.SetServing(true)
	t.Cleanup(server.Stop)

	client := NewEngine(Config{
		ClientNetworks: []ClientNetworkConfig{{Channel: "tcp", Factory: "tcp"}},
	})
	if err := client.Start(); err != nil {
		t.Fatalf("start tcp client: %v", err)
	}
	t.Cleanup(client.Stop)

	req := NewRequest(rpcTestEcho, 2000)
	req.ServerAddress = MustIPv4("127.0.0.1", port)
	req.Body = []byte("over the wire")

	res := doCall(t, client, req, 3*time.Second)
	if res.err != ErrOK {
		t.Fatalf("expected ERR_OK over tcp, got %s", res.err)
	}
	if string(res.body) != "tcp:over the wire" {
		t.Fatalf("unexpected body %q", res.body)
	}
}

func TestTCP_UnreachablePeerIsNetworkFailure(t *testing.T) {
	client := NewEngine(Config{
		ClientNetworks: []ClientNetworkConfig{{Channel: "tcp", Factory: "tcp"}},
	})
	if err := client.Start(); err != nil {
		t.Fatalf("start tcp client: %v", err)
	}
	t.Cleanup(client.Stop)

	req := NewRequest(rpcTestEcho, 2000)
	req.ServerAddress = MustIPv4("127.0.0.1", nextTestPort()) // nobody listening

	res := doCall(t, client, req, 10*time.Second)
	if res.err != ErrNetworkFailure {
		t.Fatalf("expected ERR_NETWORK_FAILURE for unreachable peer, got %s", res.err)
	}
}

func TestTCP_HandshakeAdvertisesServerPort(t *testing.T) {
	port := nextTestPort()
	server := NewEngine(tcpConfig(port))
	registerEcho(t, server, rpcTestEcho, "TCPEcho")
	if err := server.Start(); err != nil {
		t.Fatalf("start tcp server: %v", err)
	}
	server.SetServing(true)
	t.Cleanup(server.Stop)

	// Raw peer: dial, handshake as a pure client (advertise 0), then
	// exchange one frame over the session.
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	if err := writeHandshake(conn, 0); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	advertised, err := readHandshake(conn)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if advertised != port {
		t.Fatalf("server should advertise its listen port %d, got %d", port, advertised)
	}

	req := NewRequest(rpcTestEcho, 2000)
	req.Header.FromAddress = MustIPv4("127.0.0.1", 900)
	req.Header.ToAddress = MustIPv4("127.0.0.1", port)
	req.Body = []byte("raw peer")
	if _, err := conn.Write(encodeFrame(nil, req)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	req.dropRef()

	resp, err := decodeFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	defer resp.dropRef()
	if resp.Header.Server.ErrorCode != ErrOK {
		t.Fatalf("expected ERR_OK, got %s", resp.Header.Server.ErrorCode)
	}
	if string(resp.Body) != "raw peer" {
		t.Fatalf("unexpected echo body %q", resp.Body)
	}
}

func TestTCP_HandshakePortMismatchFailsCall(t *testing.T) {
	// A listener that advertises the wrong port: the dialer must refuse
	// the session and surface NETWORK_FAILURE.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := readHandshake(conn); err != nil {
			return
		}
		writeHandshake(conn, port+1) // lie about who we are
		time.Sleep(time.Second)
	}()

	client := NewEngine(Config{
		ClientNetworks: []ClientNetworkConfig{{Channel: "tcp", Factory: "tcp"}},
	})
	if err := client.Start(); err != nil {
		t.Fatalf("start tcp client: %v", err)
	}
	t.Cleanup(client.Stop)

	req := NewRequest(rpcTestEcho, 2000)
	req.ServerAddress = MustIPv4("127.0.0.1", port)

	res := doCall(t, client, req, 10*time.Second)
	if res.err != ErrNetworkFailure {
		t.Fatalf("expected ERR_NETWORK_FAILURE on handshake mismatch, got %s", res.err)
	}
}

func TestTCP_ConcurrentCallsShareOneSession(t *testing.T) {
	port := nextTestPort()
	server := NewEngine(tcpConfig(port))
	registerEcho(t, server, rpcTestEcho, "TCPEcho")
	if err := server.Start(); err != nil {
		t.Fatalf("start tcp server: %v", err)
	}
	server.SetServing(true)
	t.Cleanup(server.Stop)

	client := NewEngine(Config{
		ClientNetworks: []ClientNetworkConfig{{Channel: "tcp", Factory: "tcp"}},
	})
	if err := client.Start(); err != nil {
		t.Fatalf("start tcp client: %v", err)
	}
	t.Cleanup(client.Stop)

	// A burst through one session exercises the writer's batch drain.
	const calls = 100
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < calls; i++ {
		wg.Add(1)
		req := NewRequest(rpcTestEcho, 5000)
		req.ServerAddress = MustIPv4("127.0.0.1", port)
		req.Body = []byte("burst")
		call := NewResponseTask(req, client.Executor(), func(err ErrorCode, req, resp *Message) {
			if err != ErrOK {
				failed.Add(1)
			}
			wg.Done()
		})
		client.Call(req, call)
	}
	wg.Wait()
	if n := failed.Load(); n != 0 {
		t.Fatalf("%d of %d burst calls failed", n, calls)
	}

	cnet := client.clientNets[HeaderFormatNative][ChannelTCP].(*tcpNetwork)
	sessions := 0
	cnet.sessions.Range(func(key, value any) bool {
		sessions++
		return true
	})
	if sessions != 1 {
		t.Fatalf("burst should share a single session, found %d", sessions)
	}
}

func TestTCP_FrameRoundTrip(t *testing.T) {
	msg := NewRequest(rpcTestEcho, 1234)
	defer msg.dropRef()
	msg.Header.TraceID = 0xdeadbeef
	msg.Header.FromAddress = MustIPv4("10.1.1.1", 600)
	msg.Header.ToAddress = MustIPv4("10.1.1.2", 7000)
	msg.Header.GPID = GPID{AppID: 4, PartitionIndex: 9}
	msg.Header.IsForwarded = true
	msg.Header.Client.PartitionHash = 42
	msg.Header.Client.ThreadHash = 7
	msg.SendRetryCount = 3
	msg.Body = []byte("body bytes")

	frame := encodeFrame(nil, msg)
	decoded, err := decodeFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer decoded.dropRef()

	h, g := decoded.Header, msg.Header
	if h.ID != g.ID || h.TraceID != g.TraceID || h.RPCName != g.RPCName {
		t.Fatalf("identity fields mismatch: %+v vs %+v", h, g)
	}
	if !h.FromAddress.Equal(g.FromAddress) || !h.ToAddress.Equal(g.ToAddress) {
		t.Fatal("addresses mismatch")
	}
	if h.GPID != g.GPID || h.Client != g.Client {
		t.Fatal("gpid or client header mismatch")
	}
	if !h.IsRequest || !h.IsForwarded || !h.IsForwardSupported {
		t.Fatalf("flags mismatch: %+v", h)
	}
	if decoded.SendRetryCount != 3 {
		t.Fatalf("retry count mismatch: %d", decoded.SendRetryCount)
	}
	if string(decoded.Body) != "body bytes" {
		t.Fatalf("body mismatch: %q", decoded.Body)
	}
}

func TestTCP_BatchedFramesDecodeSequentially(t *testing.T) {
	// A write batch is a plain concatenation of frames; a reader must get
	// them back one by one.
	var buf []byte
	bodies := []string{"first", "second", "third"}
	for _, body := range bodies {
		msg := NewRequest(rpcTestEcho, 100)
		msg.Header.FromAddress = MustIPv4("10.1.1.1", 600)
		msg.Header.ToAddress = MustIPv4("10.1.1.2", 7000)
		msg.Body = []byte(body)
		buf = encodeFrame(buf, msg)
		msg.dropRef()
	}

	r := bytes.NewReader(buf)
	for _, want := range bodies {
		msg, err := decodeFrame(r)
		if err != nil {
			t.Fatalf("decode %q: %v", want, err)
		}
		if string(msg.Body) != want {
			t.Fatalf("expected body %q, got %q", want, msg.Body)
		}
		msg.dropRef()
	}
	if r.Len() != 0 {
		t.Fatalf("%d stray bytes after the batch", r.Len())
	}
}

func TestTCP_DecodeTruncatedFrame(t *testing.T) {
	msg := NewRequest(rpcTestEcho, 100)
	defer msg.dropRef()
	msg.Header.FromAddress = MustIPv4("10.1.1.1", 600)
	msg.Header.ToAddress = MustIPv4("10.1.1.2", 7000)

	frame := encodeFrame(nil, msg)
	if _, err := decodeFrame(bytes.NewReader(frame[:len(frame)-3])); err == nil {
		t.Fatal("truncated frame must fail to decode")
	}
}
