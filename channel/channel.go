// Package channel drives one audio channel: the capture-encode-transmit
// path and the receive-decode-playback path, each on its own goroutine.
//
// A channel never talks to the network directly. It hands outbound
// packets to a Sender and is fed inbound packets through Submit by the
// bridge's receive dispatcher.
package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/echostream/bridge/codec"
	"github.com/echostream/bridge/device"
	"github.com/echostream/bridge/tonedetect"
	"github.com/echostream/bridge/wire"
)

// inboundDepth bounds the playback queue. Overflow drops the oldest
// packet so playback stays close to real time.
const inboundDepth = 8

// Sender transmits one outbound audio packet. Implementations must not
// block.
type Sender interface {
	SendAudio(pkt *wire.AudioPacket)
}

// Params identifies a channel and pins its audio geometry.
type Params struct {
	// ID is the channel's configured name, used on the control plane.
	ID string
	// WireID indexes the channel in audio packet headers.
	WireID uint16
	// Frame is the shared PCM geometry.
	Frame codec.FrameParams
	// JitterTolerance is how many missing sequence numbers playback
	// absorbs before inserting a silence frame.
	JitterTolerance uint32
}

// FaultFunc is invoked once when a channel's device fails and the
// channel degrades.
type FaultFunc func(channelID string, err error)

// Channel owns the devices, codec state and optional tone detector for
// one audio path.
type Channel struct {
	params   Params
	capture  device.CaptureDevice
	playback device.PlaybackDevice
	enc      *codec.Encoder
	dec      *codec.Decoder
	detector *tonedetect.Detector
	sender   Sender
	onFault  FaultFunc

	txSeq     atomic.Uint32
	txEnabled atomic.Bool

	tapMu sync.RWMutex
	tap   func(pcm []int16)

	inbound  chan *wire.AudioPacket
	overflow atomic.Uint64

	staleDrops atomic.Uint64
	malformed  atomic.Uint64

	degraded atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New builds a channel around its devices. detector and onFault may be
// nil.
func New(params Params, capture device.CaptureDevice, playback device.PlaybackDevice,
	sender Sender, detector *tonedetect.Detector, onFault FaultFunc) (*Channel, error) {

	enc, err := codec.NewEncoder(params.Frame)
	if err != nil {
		return nil, err
	}
	dec, err := codec.NewDecoder(params.Frame)
	if err != nil {
		return nil, err
	}
	return &Channel{
		params:   params,
		capture:  capture,
		playback: playback,
		enc:      enc,
		dec:      dec,
		detector: detector,
		sender:   sender,
		onFault:  onFault,
		inbound:  make(chan *wire.AudioPacket, inboundDepth),
	}, nil
}

// ID returns the channel's configured name.
func (c *Channel) ID() string { return c.params.ID }

// WireID returns the channel's audio packet index.
func (c *Channel) WireID() uint16 { return c.params.WireID }

// Degraded reports whether a device fault has stopped this channel.
func (c *Channel) Degraded() bool { return c.degraded.Load() }

// StaleDrops reports how many duplicate or out-of-order packets playback
// discarded.
func (c *Channel) StaleDrops() uint64 { return c.staleDrops.Load() }

// Overflow reports how many inbound packets were displaced by newer
// ones.
func (c *Channel) Overflow() uint64 { return c.overflow.Load() }

// SetTransmit gates the encode-transmit half of the capture loop.
// Capture itself always runs so the tone detector keeps hearing the
// channel.
func (c *Channel) SetTransmit(on bool) {
	if c.txEnabled.Swap(on) == on {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "SetTransmit",
		"package":  "channel",
		"channel":  c.params.ID,
		"transmit": on,
	}).Info("transmit gate changed")
}

// Transmitting reports the current transmit gate.
func (c *Channel) Transmitting() bool { return c.txEnabled.Load() }

// SetCaptureTap installs a function that sees every captured frame,
// regardless of the transmit gate. The tap runs on the capture
// goroutine and must return quickly. A nil fn removes the tap.
func (c *Channel) SetCaptureTap(fn func(pcm []int16)) {
	c.tapMu.Lock()
	c.tap = fn
	c.tapMu.Unlock()
}

// Start launches the capture and playback loops. The loops stop when ctx
// is cancelled, Close is called, or a device fails.
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.captureLoop(ctx)
	go c.playbackLoop(ctx)
}

// Submit hands one inbound packet to the playback loop. When the queue
// is full the oldest queued packet is displaced.
func (c *Channel) Submit(pkt *wire.AudioPacket) {
	for {
		select {
		case c.inbound <- pkt:
			return
		default:
		}
		select {
		case <-c.inbound:
			n := c.overflow.Add(1)
			if n == 1 || n%100 == 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Submit",
					"package":  "channel",
					"channel":  c.params.ID,
					"dropped":  n,
				}).Warn("playback queue full, displacing oldest packet")
			}
		default:
		}
	}
}

// Close stops both loops and releases the devices. Devices are closed
// before waiting so a loop blocked in a device call unblocks.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if cerr := c.capture.Close(); cerr != nil {
			err = cerr
		}
		if perr := c.playback.Close(); perr != nil && err == nil {
			err = perr
		}
		c.wg.Wait()
	})
	return err
}

// captureLoop reads PCM frames, taps them into the tone detector and,
// when the transmit gate is open, encodes and sends them.
func (c *Channel) captureLoop(ctx context.Context) {
	defer c.wg.Done()

	frame := make([]int16, c.params.Frame.SamplesPerFrame())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.capture.ReadFrame(frame); err != nil {
			c.fail(ctx, "capture", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if c.detector != nil {
			c.detector.Feed(frame)
		}
		c.tapMu.RLock()
		tap := c.tap
		c.tapMu.RUnlock()
		if tap != nil {
			tap(frame)
		}
		if !c.txEnabled.Load() {
			// Device still drained so capture never backs up.
			continue
		}

		data, err := c.enc.Encode(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "captureLoop",
				"package":  "channel",
				"channel":  c.params.ID,
				"error":    err,
			}).Warn("encode failed, dropping frame")
			continue
		}
		c.sender.SendAudio(&wire.AudioPacket{
			ChannelID: c.params.WireID,
			Sequence:  c.txSeq.Add(1),
			Payload:   data,
		})
	}
}

// playbackLoop decodes queued packets in arrival order, compensating for
// loss with a single silence frame per gap.
func (c *Channel) playbackLoop(ctx context.Context) {
	defer c.wg.Done()

	silence := make([]int16, c.params.Frame.SamplesPerFrame())
	var (
		highWater uint32
		haveRx    bool
	)

	for {
		var pkt *wire.AudioPacket
		select {
		case <-ctx.Done():
			return
		case pkt = <-c.inbound:
		}
		if ctx.Err() != nil {
			return
		}

		if haveRx && pkt.Sequence <= highWater {
			n := c.staleDrops.Add(1)
			if n == 1 || n%100 == 0 {
				logrus.WithFields(logrus.Fields{
					"function": "playbackLoop",
					"package":  "channel",
					"channel":  c.params.ID,
					"sequence": pkt.Sequence,
					"dropped":  n,
				}).Debug("dropping stale packet")
			}
			continue
		}

		gap := uint32(0)
		if haveRx {
			gap = pkt.Sequence - highWater - 1
		}
		highWater = pkt.Sequence
		haveRx = true

		pcm, err := c.dec.Decode(pkt.Payload)
		if err != nil {
			c.malformed.Add(1)
			continue
		}

		if gap > c.params.JitterTolerance {
			if err := c.playback.WriteFrame(silence); err != nil {
				c.fail(ctx, "playback", err)
				return
			}
		}
		if err := c.playback.WriteFrame(pcm); err != nil {
			c.fail(ctx, "playback", err)
			return
		}
	}
}

// fail marks the channel degraded exactly once, stops the sibling loop
// and reports upstream. Device errors during shutdown are expected and
// ignored. A degraded channel never restarts itself.
func (c *Channel) fail(ctx context.Context, stage string, err error) {
	if ctx.Err() != nil {
		return
	}
	if c.degraded.Swap(true) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"package":  "channel",
		"channel":  c.params.ID,
		"stage":    stage,
		"error":    err,
	}).Error("device fault, channel degraded")
	if c.cancel != nil {
		c.cancel()
	}
	if c.onFault != nil {
		c.onFault(c.params.ID, err)
	}
}
