package channel

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echostream/bridge/codec"
	"github.com/echostream/bridge/device"
	"github.com/echostream/bridge/tonedetect"
	"github.com/echostream/bridge/wire"
)

var testFrame = codec.FrameParams{SampleRate: 8000, FrameDuration: 20 * time.Millisecond}

// scriptedCapture blocks ReadFrame until the test offers a frame, so
// capture timing is fully test-driven.
type scriptedCapture struct {
	frames chan []int16
	closed chan struct{}
	once   sync.Once
}

func newScriptedCapture() *scriptedCapture {
	return &scriptedCapture{
		frames: make(chan []int16, 64),
		closed: make(chan struct{}),
	}
}

func (s *scriptedCapture) offer(frame []int16) { s.frames <- frame }

func (s *scriptedCapture) ReadFrame(dst []int16) error {
	select {
	case f := <-s.frames:
		copy(dst, f)
		return nil
	case <-s.closed:
		return device.ErrDeviceClosed
	}
}

func (s *scriptedCapture) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// sinkSender records every packet handed to it.
type sinkSender struct {
	mu   sync.Mutex
	pkts []*wire.AudioPacket
}

func (s *sinkSender) SendAudio(pkt *wire.AudioPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkts = append(s.pkts, pkt)
}

func (s *sinkSender) packets() []*wire.AudioPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.AudioPacket, len(s.pkts))
	copy(out, s.pkts)
	return out
}

func sineFrame(freq float64, start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		v := 0.5 * math.Sin(2*math.Pi*freq*float64(start+i)/float64(testFrame.SampleRate))
		out[i] = int16(v * 32767)
	}
	return out
}

func newTestChannel(t *testing.T, capture device.CaptureDevice, playback device.PlaybackDevice,
	sender Sender, detector *tonedetect.Detector, onFault FaultFunc) *Channel {
	t.Helper()
	ch, err := New(Params{
		ID:              "north",
		WireID:          1,
		Frame:           testFrame,
		JitterTolerance: 2,
	}, capture, playback, sender, detector, onFault)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestTransmitGateControlsSending(t *testing.T) {
	capture := newScriptedCapture()
	sender := &sinkSender{}
	ch := newTestChannel(t, capture, device.NewFakePlayback(), sender, nil, nil)
	ch.Start(context.Background())

	n := testFrame.SamplesPerFrame()
	for i := 0; i < 5; i++ {
		capture.offer(sineFrame(440, i*n, n))
	}
	// Let the muted frames drain through the loop.
	assert.Eventually(t, func() bool {
		return len(capture.frames) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sender.packets(), "muted channel must not transmit")

	ch.SetTransmit(true)
	for i := 5; i < 10; i++ {
		capture.offer(sineFrame(440, i*n, n))
	}
	assert.Eventually(t, func() bool {
		return len(sender.packets()) >= 5
	}, time.Second, 5*time.Millisecond, "keyed channel must transmit every frame")

	pkts := sender.packets()
	for i, pkt := range pkts {
		assert.Equal(t, uint16(1), pkt.ChannelID)
		assert.Equal(t, uint32(i+1), pkt.Sequence, "sequence numbers must be consecutive")
		assert.NotEmpty(t, pkt.Payload)
	}
}

func TestDetectorHearsMutedChannel(t *testing.T) {
	det, err := tonedetect.New(tonedetect.Config{
		ChannelID:  "north",
		SampleRate: testFrame.SampleRate,
		Profiles: []tonedetect.Profile{{
			ID:          "alert",
			FreqA:       440,
			ToleranceHz: 10,
			MinDuration: 100 * time.Millisecond,
		}},
	})
	require.NoError(t, err)

	capture := newScriptedCapture()
	sender := &sinkSender{}
	ch := newTestChannel(t, capture, device.NewFakePlayback(), sender, det, nil)
	ch.Start(context.Background())

	n := testFrame.SamplesPerFrame()
	for i := 0; i < 120; i++ {
		capture.offer(sineFrame(440, i*n, n))
	}

	select {
	case ev := <-det.Events():
		assert.Equal(t, "alert", ev.ProfileID)
	case <-time.After(2 * time.Second):
		t.Fatal("detector never fired on a muted channel")
	}
	assert.Empty(t, sender.packets())
}

// encodeSeq produces decodable packets with the given sequence numbers.
func encodeSeq(t *testing.T, seqs ...uint32) []*wire.AudioPacket {
	t.Helper()
	enc, err := codec.NewEncoder(testFrame)
	require.NoError(t, err)

	n := testFrame.SamplesPerFrame()
	pkts := make([]*wire.AudioPacket, 0, len(seqs))
	for i, seq := range seqs {
		data, err := enc.Encode(sineFrame(440, i*n, n))
		require.NoError(t, err)
		payload := make([]byte, len(data))
		copy(payload, data)
		pkts = append(pkts, &wire.AudioPacket{ChannelID: 1, Sequence: seq, Payload: payload})
	}
	return pkts
}

func TestPlaybackInsertsSilenceOnGap(t *testing.T) {
	playback := device.NewFakePlayback()
	ch := newTestChannel(t, newScriptedCapture(), playback, &sinkSender{}, nil, nil)
	ch.Start(context.Background())

	// Gap of 3 missing frames exceeds the tolerance of 2.
	for _, pkt := range encodeSeq(t, 1, 2, 6) {
		ch.Submit(pkt)
	}

	assert.Eventually(t, func() bool {
		return len(playback.Written()) == 4
	}, time.Second, 5*time.Millisecond, "expected 3 audio frames plus 1 silence frame")

	silence := playback.Written()[2]
	for _, s := range silence {
		require.Zero(t, s, "gap compensation frame must be silent")
	}
}

func TestPlaybackToleratesSmallGaps(t *testing.T) {
	playback := device.NewFakePlayback()
	ch := newTestChannel(t, newScriptedCapture(), playback, &sinkSender{}, nil, nil)
	ch.Start(context.Background())

	// Gap of 2 missing frames is within the tolerance of 2.
	for _, pkt := range encodeSeq(t, 1, 4) {
		ch.Submit(pkt)
	}

	assert.Eventually(t, func() bool {
		return len(playback.Written()) == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, playback.Written(), 2, "no silence frame inside tolerance")
}

func TestPlaybackDropsStaleSequences(t *testing.T) {
	playback := device.NewFakePlayback()
	ch := newTestChannel(t, newScriptedCapture(), playback, &sinkSender{}, nil, nil)
	ch.Start(context.Background())

	pkts := encodeSeq(t, 5, 3, 5, 6)
	for _, pkt := range pkts {
		ch.Submit(pkt)
	}

	assert.Eventually(t, func() bool {
		return ch.StaleDrops() == 2
	}, time.Second, 5*time.Millisecond, "retrograde and duplicate sequences must be dropped")
	assert.Eventually(t, func() bool {
		return len(playback.Written()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitDisplacesOldestWhenFull(t *testing.T) {
	// Not started: the queue fills and overflows deterministically.
	ch := newTestChannel(t, newScriptedCapture(), device.NewFakePlayback(), &sinkSender{}, nil, nil)

	for seq := uint32(1); seq <= 10; seq++ {
		ch.Submit(&wire.AudioPacket{ChannelID: 1, Sequence: seq, Payload: []byte{1}})
	}
	assert.Equal(t, uint64(2), ch.Overflow())

	// The queue holds the 8 newest packets.
	first := <-ch.inbound
	assert.Equal(t, uint32(3), first.Sequence)
}

func TestCaptureFaultDegradesChannel(t *testing.T) {
	capture := newScriptedCapture()
	var (
		mu       sync.Mutex
		faultID  string
		faultErr error
	)
	ch := newTestChannel(t, capture, device.NewFakePlayback(), &sinkSender{}, nil,
		func(id string, err error) {
			mu.Lock()
			defer mu.Unlock()
			faultID, faultErr = id, err
		})
	ch.Start(context.Background())

	// Device failure outside of shutdown.
	_ = capture.Close()

	assert.Eventually(t, func() bool {
		return ch.Degraded()
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "north", faultID)
	assert.True(t, errors.Is(faultErr, device.ErrDeviceClosed))
}

func TestCaptureFaultStopsPlayback(t *testing.T) {
	capture := newScriptedCapture()
	playback := device.NewFakePlayback()
	faulted := make(chan struct{})
	ch := newTestChannel(t, capture, playback, &sinkSender{}, nil,
		func(string, error) { close(faulted) })
	ch.Start(context.Background())

	_ = capture.Close()
	select {
	case <-faulted:
	case <-time.After(time.Second):
		t.Fatal("channel never reported the capture fault")
	}

	for _, pkt := range encodeSeq(t, 1, 2, 3) {
		ch.Submit(pkt)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, playback.Written(), "degraded channel must not play audio")
}

func TestPlaybackFaultStopsTransmit(t *testing.T) {
	capture := newScriptedCapture()
	playback := device.NewFakePlayback()
	sender := &sinkSender{}
	faulted := make(chan struct{})
	ch := newTestChannel(t, capture, playback, sender, nil,
		func(string, error) { close(faulted) })
	ch.Start(context.Background())
	ch.SetTransmit(true)

	// Playback device dies mid-session.
	_ = playback.Close()
	for _, pkt := range encodeSeq(t, 1) {
		ch.Submit(pkt)
	}
	select {
	case <-faulted:
	case <-time.After(time.Second):
		t.Fatal("channel never reported the playback fault")
	}

	n := testFrame.SamplesPerFrame()
	capture.offer(sineFrame(440, 0, n))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.packets(), "degraded channel must not transmit")
}

func TestCloseIsIdempotentAndReleasesDevices(t *testing.T) {
	capture := newScriptedCapture()
	playback := device.NewFakePlayback()
	ch := newTestChannel(t, capture, playback, &sinkSender{}, nil, nil)
	ch.Start(context.Background())

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.False(t, ch.Degraded(), "clean shutdown must not degrade the channel")
	assert.ErrorIs(t, playback.WriteFrame(make([]int16, 4)), device.ErrDeviceClosed)
}
