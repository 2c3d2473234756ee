// Package transport owns the two network legs of the bridge: a
// websocket control session carrying JSON messages and a UDP socket
// carrying encrypted Opus datagrams.
//
// The transport maintains the session on its own: heartbeats, missed-ack
// detection, and reconnection with exponential backoff all happen inside
// it. Callers see a State, a non-blocking SendAudio, and a blocking
// Receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/echostream/bridge/crypto"
	"github.com/echostream/bridge/wire"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected is returned by SendControl when no session is live.
	ErrNotConnected = errors.New("transport: not connected")

	errHeartbeatLost = errors.New("transport: heartbeat acknowledgements missed")
)

// Options configures a Transport. MasterKey must be the 32-byte audio
// master key; the per-session key is derived from it during the
// handshake.
type Options struct {
	ControlURL string

	AgencyID   string
	UserName   string
	Credential string
	ChannelIDs []string

	MasterKey []byte

	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ControlTimeout    time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatMisses == 0 {
		o.HeartbeatMisses = 3
	}
	if o.ReconnectMin == 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ControlTimeout == 0 {
		o.ControlTimeout = 5 * time.Second
	}
}

// session bundles the sockets and key of one connected epoch. A new
// session replaces the old one on every reconnect; goroutines bound to a
// stale session observe its closed sockets and exit.
type session struct {
	ws  *websocket.Conn
	udp net.Conn
	id  string

	keyMu sync.RWMutex
	key   []byte

	writeMu sync.Mutex // gorilla allows one concurrent writer

	done     chan struct{}
	shutOnce sync.Once
}

func (s *session) shutdown() {
	s.shutOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()
		_ = s.udp.Close()
	})
}

func (s *session) sessionKey() []byte {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.key
}

func (s *session) setKey(key []byte) {
	s.keyMu.Lock()
	s.key = key
	s.keyMu.Unlock()
}

// writeControl serializes writes to the websocket with a bounded
// deadline.
func (s *session) writeControl(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(timeout))
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

// Transport is the bridge's connection to the server. Audio packets flow
// over UDP sealed with the session key; everything else flows over the
// control websocket.
type Transport struct {
	opts Options

	mu    sync.Mutex
	state State
	sess  *session

	handler func(msg any)

	rx      chan *wire.AudioPacket
	rxDrops atomic.Uint64

	hbSeq  atomic.Uint64
	misses atomic.Int32

	dropsMu sync.Mutex
	drops   map[uint16]*atomic.Uint64

	malformed atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates a disconnected Transport. Call Connect to establish the
// session.
func New(opts Options) (*Transport, error) {
	if opts.ControlURL == "" {
		return nil, errors.New("transport: control URL required")
	}
	if len(opts.MasterKey) != crypto.KeySize {
		return nil, fmt.Errorf("transport: master key must be %d bytes, got %d",
			crypto.KeySize, len(opts.MasterKey))
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:   opts,
		state:  Disconnected,
		rx:     make(chan *wire.AudioPacket, 64),
		drops:  make(map[uint16]*atomic.Uint64),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetControlHandler registers the callback invoked for control messages
// the transport does not consume itself (key, unkey, server errors).
// Must be called before Connect.
func (t *Transport) SetControlHandler(fn func(msg any)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// State reports the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect performs a single connection attempt: dial, handshake, key
// derivation, UDP socket setup. Once it returns nil the transport keeps
// the session alive on its own until Close.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	if t.state == Connected || t.state == Connecting {
		t.mu.Unlock()
		return nil
	}
	t.state = Connecting
	t.mu.Unlock()

	if err := t.establish(ctx); err != nil {
		t.mu.Lock()
		if t.state == Connecting {
			t.state = Disconnected
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// establish dials the control endpoint, completes the handshake and
// starts the session goroutines.
func (t *Transport) establish(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.opts.ControlTimeout}
	ws, _, err := dialer.DialContext(ctx, t.opts.ControlURL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial control: %w", err)
	}

	sess, err := t.handshake(ws)
	if err != nil {
		_ = ws.Close()
		return err
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		sess.shutdown()
		return ErrClosed
	}
	t.sess = sess
	t.state = Connected
	t.mu.Unlock()
	t.misses.Store(0)

	logrus.WithFields(logrus.Fields{
		"function":   "establish",
		"package":    "transport",
		"session_id": sess.id,
		"udp_remote": sess.udp.RemoteAddr().String(),
	}).Info("control session established")

	go t.controlLoop(sess)
	go t.udpLoop(sess)
	go t.heartbeatLoop(sess)
	return nil
}

// handshake sends the connect message, waits for the acknowledgement and
// opens the advertised UDP endpoint.
func (t *Transport) handshake(ws *websocket.Conn) (*session, error) {
	payload, err := wire.EncodeControl(&wire.Connect{
		AgencyID:   t.opts.AgencyID,
		UserName:   t.opts.UserName,
		Credential: t.opts.Credential,
		ChannelIDs: t.opts.ChannelIDs,
		Time:       time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: encode connect: %w", err)
	}
	_ = ws.SetWriteDeadline(time.Now().Add(t.opts.ControlTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("transport: send connect: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(t.opts.ControlTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("transport: await connect ack: %w", err)
	}
	msg, err := wire.DecodeControl(data)
	if err != nil {
		return nil, fmt.Errorf("transport: decode connect ack: %w", err)
	}
	ack, ok := msg.(*wire.ConnectAck)
	if !ok {
		return nil, fmt.Errorf("transport: expected connect ack, got %T", msg)
	}
	_ = ws.SetReadDeadline(time.Time{})

	salt := crypto.DecodeBase64(ack.KeySalt)
	if salt == nil {
		return nil, errors.New("transport: connect ack carries invalid key salt")
	}
	key, err := crypto.DeriveSessionKey(t.opts.MasterKey, salt)
	if err != nil {
		return nil, fmt.Errorf("transport: derive session key: %w", err)
	}

	udp, err := net.Dial("udp", net.JoinHostPort(ack.UDPHost, strconv.Itoa(ack.UDPPort)))
	if err != nil {
		return nil, fmt.Errorf("transport: open audio socket: %w", err)
	}
	// Punch the path and let the server learn our source address.
	if _, err := udp.Write(wire.KeepAliveDatagram()); err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("transport: initial keepalive: %w", err)
	}

	return &session{
		ws:   ws,
		udp:  udp,
		id:   ack.SessionID,
		key:  key,
		done: make(chan struct{}),
	}, nil
}

// SendAudio serializes, seals and transmits one audio packet. It never
// blocks: when no session is live or the write fails the packet is
// dropped and counted.
func (t *Transport) SendAudio(pkt *wire.AudioPacket) {
	t.mu.Lock()
	sess, st := t.sess, t.state
	t.mu.Unlock()
	if st != Connected || sess == nil {
		t.countDrop(pkt.ChannelID)
		return
	}

	data, err := pkt.Serialize()
	if err != nil {
		t.countDrop(pkt.ChannelID)
		return
	}
	sealed, err := crypto.Seal(data, sess.sessionKey())
	if err != nil {
		t.countDrop(pkt.ChannelID)
		return
	}
	if _, err := sess.udp.Write(sealed); err != nil {
		t.countDrop(pkt.ChannelID)
	}
}

// SendControl writes one control message with a bounded deadline. A
// write failure tears the session down and triggers reconnection.
func (t *Transport) SendControl(msg any) error {
	t.mu.Lock()
	sess, st := t.sess, t.state
	t.mu.Unlock()
	if st != Connected || sess == nil {
		return ErrNotConnected
	}

	payload, err := wire.EncodeControl(msg)
	if err != nil {
		return err
	}
	if err := sess.writeControl(payload, t.opts.ControlTimeout); err != nil {
		t.lost(sess, err)
		return fmt.Errorf("transport: control write: %w", err)
	}
	return nil
}

// Receive blocks until the next decrypted audio packet arrives or the
// transport is closed.
func (t *Transport) Receive() (*wire.AudioPacket, error) {
	select {
	case pkt := <-t.rx:
		return pkt, nil
	case <-t.ctx.Done():
		return nil, ErrClosed
	}
}

// Close tears down the session and stops reconnection. Receive unblocks
// with ErrClosed.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.state = Disconnected
	t.mu.Unlock()
	if sess != nil {
		sess.shutdown()
	}
	return nil
}

// controlLoop reads control frames for the life of one session.
func (t *Transport) controlLoop(sess *session) {
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			t.lost(sess, err)
			return
		}
		msg, err := wire.DecodeControl(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "controlLoop",
				"package":  "transport",
				"error":    err,
			}).Debug("dropping undecodable control frame")
			continue
		}

		switch m := msg.(type) {
		case *wire.HeartbeatAck:
			t.misses.Store(0)
		case *wire.ConnectAck:
			// Server-initiated re-handshake: rotate the session key.
			salt := crypto.DecodeBase64(m.KeySalt)
			if salt == nil {
				continue
			}
			key, err := crypto.DeriveSessionKey(t.opts.MasterKey, salt)
			if err != nil {
				continue
			}
			sess.setKey(key)
			logrus.WithFields(logrus.Fields{
				"function":   "controlLoop",
				"package":    "transport",
				"session_id": m.SessionID,
			}).Info("session key rotated")
		default:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// udpLoop reads, decrypts and parses audio datagrams for the life of one
// session.
func (t *Transport) udpLoop(sess *session) {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, err := sess.udp.Read(buf)
		if err != nil {
			select {
			case <-sess.done:
				// Socket closed during teardown, not a transport fault.
			default:
				t.lost(sess, err)
			}
			return
		}
		data := buf[:n]
		if wire.IsKeepAlive(data) {
			continue
		}

		plain, err := crypto.Open(data, sess.sessionKey())
		if err != nil {
			t.countMalformed(err)
			continue
		}
		pkt, err := wire.ParseAudioPacket(plain)
		if err != nil {
			t.countMalformed(err)
			continue
		}

		select {
		case t.rx <- pkt:
		default:
			n := t.rxDrops.Add(1)
			if n == 1 || n%100 == 0 {
				logrus.WithFields(logrus.Fields{
					"function": "udpLoop",
					"package":  "transport",
					"dropped":  n,
				}).Warn("receive queue full, dropping audio packet")
			}
		}
	}
}

// heartbeatLoop probes liveness for the life of one session. Enough
// consecutive unacknowledged probes tear the session down.
func (t *Transport) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if int(t.misses.Load()) >= t.opts.HeartbeatMisses {
				t.lost(sess, errHeartbeatLost)
				return
			}
			payload, err := wire.EncodeControl(&wire.Heartbeat{Seq: t.hbSeq.Add(1)})
			if err != nil {
				continue
			}
			if err := sess.writeControl(payload, t.opts.ControlTimeout); err != nil {
				t.lost(sess, err)
				return
			}
			// Keep state alive on any NAT between us and the server.
			_, _ = sess.udp.Write(wire.KeepAliveDatagram())
			t.misses.Add(1)
		}
	}
}

// lost retires a session and starts the reconnect loop. Audio sequence
// counters live in the channels and survive the reconnect untouched.
func (t *Transport) lost(sess *session, cause error) {
	t.mu.Lock()
	if t.sess != sess || t.closed.Load() {
		t.mu.Unlock()
		sess.shutdown()
		return
	}
	t.sess = nil
	t.state = Reconnecting
	t.mu.Unlock()
	sess.shutdown()

	logrus.WithFields(logrus.Fields{
		"function":   "lost",
		"package":    "transport",
		"session_id": sess.id,
		"error":      cause,
	}).Warn("session lost, reconnecting")

	go t.reconnectLoop()
}

// reconnectLoop retries the handshake with exponential backoff until it
// succeeds or the transport is closed.
func (t *Transport) reconnectLoop() {
	backoff := t.opts.ReconnectMin
	for attempt := 1; ; attempt++ {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(backoff):
		}

		err := t.establish(t.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "reconnectLoop",
			"package":  "transport",
			"attempt":  attempt,
			"backoff":  backoff,
			"error":    err,
		}).Warn("reconnect attempt failed")

		backoff *= 2
		if backoff > t.opts.ReconnectMax {
			backoff = t.opts.ReconnectMax
		}
	}
}

// countDrop records one dropped outbound packet on a channel, logging at
// the first and every hundredth drop.
func (t *Transport) countDrop(channelID uint16) {
	t.dropsMu.Lock()
	c := t.drops[channelID]
	if c == nil {
		c = new(atomic.Uint64)
		t.drops[channelID] = c
	}
	t.dropsMu.Unlock()

	n := c.Add(1)
	if n == 1 || n%100 == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "countDrop",
			"package":  "transport",
			"channel":  channelID,
			"dropped":  n,
		}).Warn("audio packet dropped on send")
	}
}

// Drops reports the outbound drop counter for one channel.
func (t *Transport) Drops(channelID uint16) uint64 {
	t.dropsMu.Lock()
	defer t.dropsMu.Unlock()
	if c := t.drops[channelID]; c != nil {
		return c.Load()
	}
	return 0
}

func (t *Transport) countMalformed(err error) {
	n := t.malformed.Add(1)
	if n == 1 || n%100 == 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "countMalformed",
			"package":   "transport",
			"malformed": n,
			"error":     err,
		}).Warn("dropping malformed audio datagram")
	}
}

// Malformed reports how many inbound datagrams failed decryption or
// parsing.
func (t *Transport) Malformed() uint64 {
	return t.malformed.Load()
}
