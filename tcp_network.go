package courier

// TCP network provider.
//
// Invariants:
//   - At most one outbound session exists per remote endpoint; sessions
//     are established lazily on first send and reconnected on the next
//     send after a failure.
//   - Wire format: [4-byte big-endian frame length][encoded envelope].
//     The frame length covers the encoded envelope only. Frames are
//     self-contained, so a batch is a plain concatenation of frames.
//   - Each session has a dedicated writer goroutine reading from a send
//     channel. The writer drains up to maxSendBatch queued messages per
//     wakeup and writes them in a single conn.Write, so only one
//     goroutine writes to each connection and bursts cost one syscall.
//   - Every conn.Write is bounded by tcpWriteTimeout. On error the
//     connection is closed; the batch's requests are failed through the
//     matcher as early terminations (null reply).
//   - conn.Read uses a buffered reader sized from the configured buffer
//     block size. Read deadlines are refreshed every ~10s (not per frame)
//     using the coarse clock, detecting half-open TCP.
//   - A message cancelled out of the send queue (resend pick-out) is
//     skipped by the writer, never written.
//
// Handshake format:
//
//	[2-byte big-endian advertised server port]
//
// Exchanged once per connection, bounded by tcpHandshakeTimeout. The
// port is the sender's primary listening port; 0 means pure client (no
// listener). The dialer writes first and verifies the listener advertises
// the port it dialed; the listener reads first and, when the peer
// advertises a server port, registers the inbound session under the
// peer's (ip, advertised port) so later outbound sends reuse it instead
// of dialing back. On a simultaneous-connect race the first registered
// session wins; the loser still serves its own replies.

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	tcpDialTimeout      = 5 * time.Second
	tcpHandshakeTimeout = 5 * time.Second
	tcpWriteTimeout     = 5 * time.Second
	tcpReadTimeout      = 30 * time.Second

	// sessionSendBuffer is the capacity of each session's outbound queue.
	sessionSendBuffer = 4096

	// maxSendBatch is the most messages a writer combines into one
	// conn.Write.
	maxSendBatch = 64

	// maxTCPFrame bounds a single frame; larger frames tear the session
	// down on read.
	maxTCPFrame = 16 << 20 // 16 MB
)

func init() {
	RegisterNetworkFactory("tcp", func(e *Engine, inner Network) Network {
		return newTCPNetwork(e)
	})
}

type tcpNetwork struct {
	engine     *Engine
	channel    Channel
	clientOnly bool
	addr       Address

	// advertisedPort travels in the handshake: the listen port for
	// server instances, 0 for client-only instances.
	advertisedPort int

	listener net.Listener

	// Sessions keyed by remote "ip:port" — outbound dials, plus inbound
	// connections whose peer advertised a server port.
	sessions sync.Map // map[string]*tcpSession

	// allSessions tracks every live session (registered or not) so Stop
	// can close them; otherwise an inbound pure-client session would keep
	// its read loop parked until the read deadline.
	allSessions sync.Map // map[*tcpSession]struct{}

	blockSize int

	dropMu      sync.Mutex
	dropHandler func(msg *Message, isSend bool)

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newTCPNetwork(e *Engine) *tcpNetwork {
	return &tcpNetwork{
		engine:    e,
		blockSize: defaultBufferBlockSize,
		done:      make(chan struct{}),
	}
}

func (t *tcpNetwork) ResetParserAttr(format HeaderFormat, bufferBlockSize int) {
	if bufferBlockSize > 0 {
		t.blockSize = bufferBlockSize
	}
}

func (t *tcpNetwork) Start(channel Channel, port int, clientOnly bool) error {
	if channel != ChannelTCP {
		return errors.Newf("tcp network cannot serve channel %q", channel.String())
	}
	t.channel = channel
	t.clientOnly = clientOnly

	if clientOnly {
		// No listener; the address names this process for logging only.
		// The handshake still advertises the engine's primary port (0 for
		// pure clients) so peers can register the session for dial-back.
		t.addr = MustIPv4("127.0.0.1", 1)
		t.advertisedPort = t.engine.config.cfg.PrimaryPort
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return errors.Wrapf(err, "tcp listen on port %d", port)
	}
	t.listener = ln
	t.addr = MustIPv4("127.0.0.1", port)
	t.advertisedPort = port

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *tcpNetwork) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			t.listener.Close()
		}
		t.allSessions.Range(func(key, value any) bool {
			key.(*tcpSession).close()
			return true
		})
		t.wg.Wait()
	})
}

func (t *tcpNetwork) Address() Address { return t.addr }

// SetDropHandler installs the fault-injection drop observer. Test support.
func (t *tcpNetwork) SetDropHandler(fn func(msg *Message, isSend bool)) {
	t.dropMu.Lock()
	t.dropHandler = fn
	t.dropMu.Unlock()
}

func (t *tcpNetwork) InjectDropMessage(msg *Message, isSend bool) {
	t.dropMu.Lock()
	fn := t.dropHandler
	t.dropMu.Unlock()
	if fn != nil {
		fn(msg, isSend)
	}
}

func (t *tcpNetwork) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				slog.Error("tcp accept error", "error", err)
				continue
			}
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(conn)
		}()
	}
}

// handleInbound runs the listener side of the handshake (read → write,
// mirroring the dialer's write → read), registers the session for reuse
// when the peer has a server port, then reads frames.
func (t *tcpNetwork) handleInbound(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(tcpHandshakeTimeout))

	remotePort, err := readHandshake(conn)
	if err != nil {
		slog.Warn("tcp handshake read failed", "error", err)
		conn.Close()
		return
	}
	if err := writeHandshake(conn, t.advertisedPort); err != nil {
		slog.Warn("tcp handshake write failed", "error", err)
		conn.Close()
		return
	}

	// Clear the handshake deadline; readLoop sets per-frame deadlines.
	conn.SetDeadline(time.Time{})

	s := t.newSession(conn, "")

	// A peer with a server port is dialable; keep its inbound session
	// under the address we would otherwise dial, so the next outbound
	// send reuses the live connection. First registration wins.
	if remotePort > 0 {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			key := net.JoinHostPort(host, strconv.Itoa(remotePort))
			if _, loaded := t.sessions.LoadOrStore(key, s); !loaded {
				s.key = key
			}
		}
	}

	slog.Debug("tcp peer connected", "direction", "inbound",
		"remote", conn.RemoteAddr().String(), "advertised_port", remotePort)

	s.readLoop()
}

// SendMessage routes an outbound message over the session for its target,
// dialing on demand. Dial and handshake failures surface as early
// terminations for requests so the matcher completes the pending call
// with NETWORK_FAILURE.
func (t *tcpNetwork) SendMessage(msg *Message) {
	msg.AddRef()
	defer msg.ReleaseRef()

	s, err := t.getOrConnect(msg.Header.ToAddress)
	if err != nil {
		slog.Warn("tcp send failed", "to", msg.Header.ToAddress.String(),
			"rpc", msg.Header.RPCName, "error", err)
		t.failMessage(msg)
		return
	}
	if msg.Header.IsRequest {
		msg.session = s
	}
	s.SendMessage(msg)
}

// failMessage reports a transport failure on an unsendable message.
func (t *tcpNetwork) failMessage(msg *Message) {
	if msg.Header.IsRequest {
		t.engine.OnRecvReply(t, msg.Header.ID, nil, 0)
	}
}

func (t *tcpNetwork) getOrConnect(addr Address) (*tcpSession, error) {
	key := addr.String()
	if v, ok := t.sessions.Load(key); ok {
		return v.(*tcpSession), nil
	}

	conn, err := net.DialTimeout("tcp", key, tcpDialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "tcp dial %s", key)
	}

	// Dialer side of the handshake: write → read, then verify the peer
	// is who we dialed.
	conn.SetDeadline(time.Now().Add(tcpHandshakeTimeout))
	if err := writeHandshake(conn, t.advertisedPort); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "tcp handshake with %s", key)
	}
	remotePort, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "tcp handshake with %s", key)
	}
	if remotePort != addr.Port() {
		conn.Close()
		return nil, errors.Newf("tcp handshake with %s: peer advertises port %d", key, remotePort)
	}
	conn.SetDeadline(time.Time{})

	s := t.newSession(conn, key)
	if actual, loaded := t.sessions.LoadOrStore(key, s); loaded {
		// Lost the dial race; keep the established session.
		s.close()
		return actual.(*tcpSession), nil
	}

	slog.Debug("tcp peer connected", "direction", "outbound", "remote", key)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.readLoop()
	}()
	return s, nil
}

func (t *tcpNetwork) newSession(conn net.Conn, key string) *tcpSession {
	s := &tcpSession{
		net:    t,
		conn:   conn,
		key:    key,
		sendCh: make(chan *Message, sessionSendBuffer),
		closed: make(chan struct{}),
	}
	t.allSessions.Store(s, struct{}{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.writeLoop()
	}()
	return s
}

// --- handshake ---

// writeHandshake sends our advertised server port (0 for pure clients).
func writeHandshake(conn net.Conn, port int) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(port))
	_, err := conn.Write(buf[:])
	return err
}

// readHandshake reads the peer's advertised server port.
func readHandshake(conn net.Conn) (int, error) {
	var buf [2]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, errors.Wrap(err, "read handshake")
	}
	return int(binary.BigEndian.Uint16(buf[:])), nil
}

// --- session ---

type tcpSession struct {
	net  *tcpNetwork
	conn net.Conn
	key  string // registry key when the session is dial-reusable, else ""

	sendCh chan *Message

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *tcpSession) Net() Network { return s.net }

// SendMessage queues msg for the writer goroutine. The queue holds a
// reference until the frame is written or the message is skipped.
func (s *tcpSession) SendMessage(msg *Message) {
	msg.AddRef()
	msg.queued.Store(true)
	select {
	case s.sendCh <- msg:
	case <-s.closed:
		msg.queued.Store(false)
		msg.ReleaseRef()
		s.net.failMessage(msg)
	}
}

// Cancel withdraws a message still sitting in the send queue. The writer
// observes the cancelled mark and skips the frame.
func (s *tcpSession) Cancel(msg *Message) bool {
	if !msg.queued.Load() {
		return false
	}
	msg.cancelled.Store(true)
	return true
}

func (s *tcpSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		if s.key != "" {
			// Only drop the registration if it still points at us; a
			// dial-race loser must not evict the surviving session.
			s.net.sessions.CompareAndDelete(s.key, s)
		}
		s.net.allSessions.Delete(s)
	})
}

func (s *tcpSession) writeLoop() {
	var frameBuf []byte
	var lastDeadlineSet int64
	var batch [maxSendBatch]*Message

	for {
		select {
		case batch[0] = <-s.sendCh:
		case <-s.closed:
			// Fail whatever is still queued.
			for {
				select {
				case m := <-s.sendCh:
					m.queued.Store(false)
					m.ReleaseRef()
					s.net.failMessage(m)
				default:
					return
				}
			}
		}
		n := 1

	drain:
		for n < maxSendBatch {
			select {
			case batch[n] = <-s.sendCh:
				n++
			default:
				break drain
			}
		}

		// Encode the batch into one buffer, dropping cancelled messages.
		// Frames are self-delimiting, so the batch is plain concatenation.
		frameBuf = frameBuf[:0]
		encoded := batch[:0]
		for i := 0; i < n; i++ {
			m := batch[i]
			batch[i] = nil
			if !m.queued.CompareAndSwap(true, false) || m.cancelled.Load() {
				m.cancelled.Store(false)
				m.ReleaseRef()
				continue
			}
			frameBuf = encodeFrame(frameBuf, m)
			encoded = append(encoded, m)
		}
		if len(encoded) == 0 {
			continue
		}

		now := coarseNowMS.Load()
		if now-lastDeadlineSet >= 2000 {
			s.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
			lastDeadlineSet = now
		}

		_, err := s.conn.Write(frameBuf)
		for _, m := range encoded {
			if err != nil {
				s.net.failMessage(m)
			}
			m.ReleaseRef()
		}
		if err != nil {
			slog.Warn("tcp write error", "remote", s.conn.RemoteAddr().String(), "error", err)
			s.close()
		}
	}
}

func (s *tcpSession) readLoop() {
	defer s.close()

	reader := bufio.NewReaderSize(s.conn, s.net.blockSize)
	var lastDeadlineSet int64

	for {
		now := coarseNowMS.Load()
		if now-lastDeadlineSet >= 10_000 {
			s.conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
			lastDeadlineSet = now
		}

		msg, err := decodeFrame(reader)
		if err != nil {
			select {
			case <-s.net.done:
				// shutting down — expected
			default:
				if !errors.Is(err, io.EOF) {
					slog.Warn("tcp read error", "error", err)
				}
			}
			return
		}

		if msg.Header.IsRequest {
			msg.session = s
			s.net.engine.OnRecvRequest(s.net, msg, 0)
		} else {
			s.net.engine.OnRecvReply(s.net, msg.Header.ID, msg, 0)
		}
	}
}

// --- framing ---

// Envelope encoding. Fields in order:
//
//	id u64, trace_id u64, flags u8, hdr_format u8,
//	gpid app_id i32, gpid partition_index i32,
//	from (ip u32, port u16), to (ip u32, port u16),
//	timeout_ms i32, partition_hash u64, thread_hash i32,
//	server_error i32, send_retry_count u32,
//	rpc_name (u16 len + bytes), error_name (u16 len + bytes),
//	body (rest of frame)
const (
	flagIsRequest = 1 << iota
	flagIsForwarded
	flagIsForwardSupported
)

// encodeFrame appends one complete frame for msg to dst. Safe for
// concatenating multiple frames into one buffer.
func encodeFrame(dst []byte, msg *Message) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0) // frame length placeholder

	h := &msg.Header
	var flags byte
	if h.IsRequest {
		flags |= flagIsRequest
	}
	if h.IsForwarded {
		flags |= flagIsForwarded
	}
	if h.IsForwardSupported {
		flags |= flagIsForwardSupported
	}

	dst = binary.BigEndian.AppendUint64(dst, h.ID)
	dst = binary.BigEndian.AppendUint64(dst, h.TraceID)
	dst = append(dst, flags, byte(msg.hdrFormat))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.GPID.AppID))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.GPID.PartitionIndex))
	dst = encodeAddress(dst, h.FromAddress)
	dst = encodeAddress(dst, h.ToAddress)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Client.TimeoutMS))
	dst = binary.BigEndian.AppendUint64(dst, h.Client.PartitionHash)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Client.ThreadHash))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Server.ErrorCode))
	dst = binary.BigEndian.AppendUint32(dst, msg.SendRetryCount)
	dst = appendString(dst, h.RPCName)
	dst = appendString(dst, h.Server.ErrorName)
	dst = append(dst, msg.Body...)

	binary.BigEndian.PutUint32(dst[start:start+4], uint32(len(dst)-start-4))
	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func decodeFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > maxTCPFrame {
		return nil, errors.Newf("tcp frame too large (%d bytes)", frameLen)
	}
	buf := make([]byte, frameLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "incomplete tcp frame")
	}

	d := frameDecoder{buf: buf}
	msg := newMessage()
	h := &msg.Header

	h.ID = d.u64()
	h.TraceID = d.u64()
	flags := d.u8()
	msg.hdrFormat = HeaderFormat(d.u8())
	h.GPID.AppID = int32(d.u32())
	h.GPID.PartitionIndex = int32(d.u32())
	h.FromAddress = d.addr()
	h.ToAddress = d.addr()
	h.Client.TimeoutMS = int32(d.u32())
	h.Client.PartitionHash = d.u64()
	h.Client.ThreadHash = int32(d.u32())
	h.Server.ErrorCode = ErrorCode(d.u32())
	msg.SendRetryCount = d.u32()
	h.RPCName = d.str()
	h.Server.ErrorName = d.str()
	if h.Server.ErrorName != "" {
		// The name is authoritative across engine versions.
		h.Server.ErrorCode = errorCodeFromName(h.Server.ErrorName)
	}

	h.IsRequest = flags&flagIsRequest != 0
	h.IsForwarded = flags&flagIsForwarded != 0
	h.IsForwardSupported = flags&flagIsForwardSupported != 0

	if d.err != nil {
		msg.dropRef()
		return nil, d.err
	}
	msg.Body = append([]byte(nil), d.rest()...)
	return msg, nil
}

type frameDecoder struct {
	buf []byte
	off int
	err error
}

func (d *frameDecoder) take(n int) []byte {
	if d.err != nil || d.off+n > len(d.buf) {
		d.err = errors.New("truncated tcp frame")
		return make([]byte, n)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *frameDecoder) u8() byte    { return d.take(1)[0] }
func (d *frameDecoder) u16() uint16 { return binary.BigEndian.Uint16(d.take(2)) }
func (d *frameDecoder) u32() uint32 { return binary.BigEndian.Uint32(d.take(4)) }
func (d *frameDecoder) u64() uint64 { return binary.BigEndian.Uint64(d.take(8)) }

func (d *frameDecoder) addr() Address {
	b := d.take(addressWireSize)
	a, err := decodeAddress(b)
	if err != nil && d.err == nil {
		d.err = err
	}
	return a
}

func (d *frameDecoder) str() string {
	n := int(d.u16())
	return string(d.take(n))
}

func (d *frameDecoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	return d.buf[d.off:]
}
