package bridge

import (
	"context"
	"crypto/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echostream/bridge/codec"
	"github.com/echostream/bridge/config"
	"github.com/echostream/bridge/crypto"
	"github.com/echostream/bridge/device"
	"github.com/echostream/bridge/events"
	"github.com/echostream/bridge/tonedetect"
	"github.com/echostream/bridge/wire"
)

// blockingCapture is a capture device the test feeds frame by frame.
type blockingCapture struct {
	frames chan []int16
	closed chan struct{}
	once   sync.Once
}

func newBlockingCapture() *blockingCapture {
	return &blockingCapture{frames: make(chan []int16, 256), closed: make(chan struct{})}
}

func (b *blockingCapture) offer(frame []int16) { b.frames <- frame }

func (b *blockingCapture) ReadFrame(dst []int16) error {
	select {
	case f := <-b.frames:
		copy(dst, f)
		return nil
	case <-b.closed:
		return device.ErrDeviceClosed
	}
}

func (b *blockingCapture) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// fakeFactory hands out one scripted capture and recording playback per
// channel.
type fakeFactory struct {
	mu       sync.Mutex
	captures map[string]*blockingCapture
	plays    map[string]*device.FakePlayback
	edges    map[int]*device.FakeEdgeSource
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		captures: make(map[string]*blockingCapture),
		plays:    make(map[string]*device.FakePlayback),
		edges:    make(map[int]*device.FakeEdgeSource),
	}
}

func (f *fakeFactory) OpenCapture(id string) (device.CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newBlockingCapture()
	f.captures[id] = c
	return c, nil
}

func (f *fakeFactory) OpenPlayback(id string) (device.PlaybackDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := device.NewFakePlayback()
	f.plays[id] = p
	return p, nil
}

func (f *fakeFactory) OpenEdge(pin int) (device.EdgeSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := device.NewFakeEdgeSource()
	f.edges[pin] = e
	return e, nil
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu       sync.Mutex
	tones    []tonedetect.Event
	transmit []string
	degraded []string
}

func (p *recordingPublisher) ToneDetected(ev tonedetect.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tones = append(p.tones, ev)
	return nil
}

func (p *recordingPublisher) TransmitChanged(id string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := "off"
	if on {
		state = "on"
	}
	p.transmit = append(p.transmit, id+":"+state)
	return nil
}

func (p *recordingPublisher) ChannelDegraded(id string, _ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = append(p.degraded, id)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) transmits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.transmit))
	copy(out, p.transmit)
	return out
}

// fakeServer implements the control handshake and the UDP audio side.
type fakeServer struct {
	t *testing.T

	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	udp        net.PacketConn
	masterKey  []byte
	sessionKey []byte
	salt       []byte

	mu sync.Mutex
	ws *websocket.Conn

	audioIn  chan *wire.AudioPacket
	control  chan any
	peerAddr chan net.Addr
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	masterKey := make([]byte, crypto.KeySize)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	salt := make([]byte, 16)
	_, err = rand.Read(salt)
	require.NoError(t, err)
	sessionKey, err := crypto.DeriveSessionKey(masterKey, salt)
	require.NoError(t, err)

	udp, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		t:          t,
		udp:        udp,
		masterKey:  masterKey,
		salt:       salt,
		sessionKey: sessionKey,
		audioIn:    make(chan *wire.AudioPacket, 256),
		control:    make(chan any, 64),
		peerAddr:   make(chan net.Addr, 4),
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handle))
	go s.readUDP()
	t.Cleanup(func() {
		s.httpSrv.Close()
		_ = s.udp.Close()
	})
	return s
}

func (s *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http")
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	if msg, err := wire.DecodeControl(data); err != nil {
		return
	} else if _, ok := msg.(*wire.Connect); !ok {
		return
	}

	udpAddr := s.udp.LocalAddr().(*net.UDPAddr)
	ack, _ := wire.EncodeControl(&wire.ConnectAck{
		SessionID: "sess-1",
		UDPHost:   "127.0.0.1",
		UDPPort:   udpAddr.Port,
		KeySalt:   crypto.EncodeBase64(s.salt),
	})
	if err := ws.WriteMessage(websocket.TextMessage, ack); err != nil {
		return
	}

	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.DecodeControl(data)
		if err != nil {
			continue
		}
		if hb, ok := msg.(*wire.Heartbeat); ok {
			reply, _ := wire.EncodeControl(&wire.HeartbeatAck{Seq: hb.Seq})
			_ = ws.WriteMessage(websocket.TextMessage, reply)
			continue
		}
		select {
		case s.control <- msg:
		default:
		}
	}
}

// push sends a server-initiated control message to the bridge.
func (s *fakeServer) push(msg any) {
	s.t.Helper()
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	require.NotNil(s.t, ws, "no control connection yet")
	data, err := wire.EncodeControl(msg)
	require.NoError(s.t, err)
	require.NoError(s.t, ws.WriteMessage(websocket.TextMessage, data))
}

func (s *fakeServer) readUDP() {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := s.udp.ReadFrom(buf)
		if err != nil {
			return
		}
		data := buf[:n]
		if wire.IsKeepAlive(data) {
			select {
			case s.peerAddr <- addr:
			default:
			}
			continue
		}
		plain, err := crypto.Open(data, s.sessionKey)
		if err != nil {
			continue
		}
		pkt, err := wire.ParseAudioPacket(plain)
		if err != nil {
			continue
		}
		select {
		case s.audioIn <- pkt:
		default:
		}
	}
}

func (s *fakeServer) sendAudio(addr net.Addr, pkt *wire.AudioPacket) {
	s.t.Helper()
	data, err := pkt.Serialize()
	require.NoError(s.t, err)
	sealed, err := crypto.Seal(data, s.sessionKey)
	require.NoError(s.t, err)
	_, err = s.udp.WriteTo(sealed, addr)
	require.NoError(s.t, err)
}

func testConfig(srv *fakeServer) *config.Config {
	return &config.Config{
		DeviceID: "dev-test",
		Server: config.ServerConfig{
			ControlURL:        srv.wsURL(),
			HeartbeatInterval: config.Duration(time.Minute),
			HeartbeatMisses:   3,
			ReconnectMin:      config.Duration(10 * time.Millisecond),
			ReconnectMax:      config.Duration(50 * time.Millisecond),
			ControlTimeout:    config.Duration(time.Second),
		},
		Audio: config.AudioConfig{
			SampleRate:      8000,
			FrameDuration:   config.Duration(20 * time.Millisecond),
			JitterTolerance: 2,
		},
		Credentials: config.CredentialsConfig{
			AgencyID:  "agency-1",
			UserName:  "bridge-1",
			Secret:    "token",
			MasterKey: crypto.EncodeBase64(srv.masterKey),
		},
		Channels: []config.ChannelConfig{
			{ID: "north", Pin: 17},
			{ID: "south", Pin: 27},
		},
		PTTDebounce: config.Duration(10 * time.Millisecond),
	}
}

func startBridge(t *testing.T, cfg *config.Config, factory *fakeFactory, pub events.Publisher) (*Bridge, context.CancelFunc, chan error) {
	t.Helper()
	b, err := New(cfg, factory, pub, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errc <- b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not shut down")
		}
	})
	return b, cancel, errc
}

// encodeFrames produces decodable packets for one wire id with
// sequence numbers starting at 1.
func encodeFrames(t *testing.T, wireID uint16, count int) []*wire.AudioPacket {
	t.Helper()
	enc, err := codec.NewEncoder(codec.FrameParams{
		SampleRate:    8000,
		FrameDuration: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = int16(i * 64)
	}
	pkts := make([]*wire.AudioPacket, 0, count)
	for seq := 1; seq <= count; seq++ {
		data, err := enc.Encode(pcm)
		require.NoError(t, err)
		payload := make([]byte, len(data))
		copy(payload, data)
		pkts = append(pkts, &wire.AudioPacket{ChannelID: wireID, Sequence: uint32(seq), Payload: payload})
	}
	return pkts
}

func TestNewBuildsChannelMaps(t *testing.T) {
	srv := newFakeServer(t)
	b, err := New(testConfig(srv), newFakeFactory(), events.Nop{}, nil)
	require.NoError(t, err)
	defer b.shutdown()
	defer b.tr.Close()

	require.Len(t, b.byWire, 2)
	require.Len(t, b.byName, 2)
	assert.Equal(t, "north", b.byWire[0].ID(), "wire ids follow config order")
	assert.Equal(t, "south", b.byWire[1].ID())
}

func TestInboundAudioReachesPlayback(t *testing.T) {
	srv := newFakeServer(t)
	factory := newFakeFactory()
	startBridge(t, testConfig(srv), factory, events.Nop{})

	var addr net.Addr
	select {
	case addr = <-srv.peerAddr:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never reached the UDP endpoint")
	}

	// A decodable frame for channel "south" (wire id 1).
	pkts := encodeFrames(t, 1, 3)
	for _, pkt := range pkts {
		srv.sendAudio(addr, pkt)
	}

	assert.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.plays["south"].Written()) == 3
	}, 2*time.Second, 10*time.Millisecond, "south playback never saw the frames")

	factory.mu.Lock()
	defer factory.mu.Unlock()
	assert.Empty(t, factory.plays["north"].Written(), "north must not hear south's audio")
}

func TestRemoteKeyOpensTransmitGate(t *testing.T) {
	srv := newFakeServer(t)
	factory := newFakeFactory()
	pub := &recordingPublisher{}
	b, _, _ := startBridge(t, testConfig(srv), factory, pub)

	select {
	case <-srv.peerAddr:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never connected")
	}

	srv.push(&wire.Key{ChannelID: "north", Time: time.Now().Unix()})
	assert.Eventually(t, func() bool {
		return b.byName["north"].Transmitting()
	}, 2*time.Second, 10*time.Millisecond)

	// Keyed channel audio must arrive at the server with wire id 0.
	factory.mu.Lock()
	capture := factory.captures["north"]
	factory.mu.Unlock()
	n := 160
	for i := 0; i < 5; i++ {
		capture.offer(make([]int16, n))
	}

	select {
	case pkt := <-srv.audioIn:
		assert.Equal(t, uint16(0), pkt.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received keyed audio")
	}

	srv.push(&wire.Unkey{ChannelID: "north", Time: time.Now().Unix()})
	assert.Eventually(t, func() bool {
		return !b.byName["north"].Transmitting()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		tx := pub.transmits()
		return len(tx) >= 2 && tx[0] == "north:on" && tx[len(tx)-1] == "north:off"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalPTTKeysChannelAndNotifiesServer(t *testing.T) {
	srv := newFakeServer(t)
	factory := newFakeFactory()
	b, _, _ := startBridge(t, testConfig(srv), factory, &recordingPublisher{})

	select {
	case <-srv.peerAddr:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never connected")
	}

	factory.mu.Lock()
	edge := factory.edges[17]
	factory.mu.Unlock()
	require.NotNil(t, edge)

	edge.Emit(device.Edge{Pin: 17, Pressed: true, At: time.Now()})
	assert.Eventually(t, func() bool {
		return b.byName["north"].Transmitting()
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case msg := <-srv.control:
		key, ok := msg.(*wire.Key)
		require.True(t, ok, "expected key, got %T", msg)
		assert.Equal(t, "north", key.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the key notification")
	}
}

func TestCleanShutdown(t *testing.T) {
	srv := newFakeServer(t)
	factory := newFakeFactory()
	_, cancel, errc := startBridge(t, testConfig(srv), factory, events.Nop{})

	select {
	case <-srv.peerAddr:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never connected")
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
