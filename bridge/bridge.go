// Package bridge wires the whole device together: transport, channels,
// push-to-talk, tone detection fanout, event publishing and recording.
// It owns startup and shutdown ordering; everything else is built from
// the packages it composes.
package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/echostream/bridge/channel"
	"github.com/echostream/bridge/codec"
	"github.com/echostream/bridge/config"
	"github.com/echostream/bridge/device"
	"github.com/echostream/bridge/events"
	"github.com/echostream/bridge/ptt"
	"github.com/echostream/bridge/record"
	"github.com/echostream/bridge/tonedetect"
	"github.com/echostream/bridge/transport"
	"github.com/echostream/bridge/wire"
)

// DeviceFactory opens the hardware behind a channel. Implementations
// exist for real audio/GPIO stacks and for tests.
type DeviceFactory interface {
	OpenCapture(channelID string) (device.CaptureDevice, error)
	OpenPlayback(channelID string) (device.PlaybackDevice, error)
	OpenEdge(pin int) (device.EdgeSource, error)
}

// Bridge is the top-level coordinator.
type Bridge struct {
	cfg *config.Config
	tr  *transport.Transport

	// byWire routes inbound packets; byName serves the control plane.
	byWire map[uint16]*channel.Channel
	byName map[string]*channel.Channel

	detectors []*tonedetect.Detector
	ptt       *ptt.Controller
	pub       events.Publisher
	rec       *record.Recorder

	unknownDrops atomic.Uint64
	faults       chan channelFault
}

// channelFault carries a degraded-channel report out of the audio
// goroutines.
type channelFault struct {
	channelID string
	err       error
}

// pttTarget mirrors key state into the channel's transmit gate and the
// event stream.
type pttTarget struct {
	ch  *channel.Channel
	pub events.Publisher
}

func (t *pttTarget) ID() string { return t.ch.ID() }

func (t *pttTarget) SetTransmit(on bool) {
	t.ch.SetTransmit(on)
	if err := t.pub.TransmitChanged(t.ch.ID(), on); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SetTransmit",
			"package":  "bridge",
			"channel":  t.ch.ID(),
			"error":    err,
		}).Warn("transmit event not published")
	}
}

// New assembles a bridge from configuration. pub may be events.Nop{};
// uploader may be nil to disable recording.
func New(cfg *config.Config, devices DeviceFactory, pub events.Publisher, uploader record.Uploader) (*Bridge, error) {
	masterKey := cfg.MasterKey()

	channelIDs := make([]string, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		channelIDs = append(channelIDs, cc.ID)
	}

	tr, err := transport.New(transport.Options{
		ControlURL:        cfg.Server.ControlURL,
		AgencyID:          cfg.Credentials.AgencyID,
		UserName:          cfg.Credentials.UserName,
		Credential:        cfg.Credentials.Secret,
		ChannelIDs:        channelIDs,
		MasterKey:         masterKey,
		HeartbeatInterval: cfg.Server.HeartbeatInterval.Std(),
		HeartbeatMisses:   cfg.Server.HeartbeatMisses,
		ReconnectMin:      cfg.Server.ReconnectMin.Std(),
		ReconnectMax:      cfg.Server.ReconnectMax.Std(),
		ControlTimeout:    cfg.Server.ControlTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:    cfg,
		tr:     tr,
		byWire: make(map[uint16]*channel.Channel),
		byName: make(map[string]*channel.Channel),
		pub:    pub,
		faults: make(chan channelFault, config.MaxChannels),
	}

	if uploader != nil {
		prefix := ""
		if cfg.S3 != nil {
			prefix = cfg.S3.Prefix
		}
		b.rec = record.NewRecorder(uploader, cfg.Audio.SampleRate, prefix)
	}

	frame := codec.FrameParams{
		SampleRate:    cfg.Audio.SampleRate,
		FrameDuration: cfg.Audio.FrameDuration.Std(),
	}
	var pttInputs []ptt.Input
	for i, cc := range cfg.Channels {
		ch, err := b.buildChannel(uint16(i), cc, devices, frame)
		if err != nil {
			b.closeChannels()
			_ = tr.Close()
			return nil, err
		}
		b.byWire[uint16(i)] = ch
		b.byName[cc.ID] = ch

		if cc.Pin > 0 {
			edge, err := devices.OpenEdge(cc.Pin)
			if err != nil {
				b.closeChannels()
				_ = tr.Close()
				return nil, fmt.Errorf("bridge: open edge input for %s: %w", cc.ID, err)
			}
			pttInputs = append(pttInputs, ptt.Input{
				Source: edge,
				Target: &pttTarget{ch: ch, pub: pub},
			})
		}
	}

	b.ptt = ptt.New(pttInputs, tr, cfg.PTTDebounce.Std())
	tr.SetControlHandler(b.handleControl)
	return b, nil
}

// buildChannel opens one channel's devices and detector.
func (b *Bridge) buildChannel(wireID uint16, cc config.ChannelConfig,
	devices DeviceFactory, frame codec.FrameParams) (*channel.Channel, error) {

	capture, err := devices.OpenCapture(cc.ID)
	if err != nil {
		return nil, fmt.Errorf("bridge: open capture for %s: %w", cc.ID, err)
	}
	playback, err := devices.OpenPlayback(cc.ID)
	if err != nil {
		_ = capture.Close()
		return nil, fmt.Errorf("bridge: open playback for %s: %w", cc.ID, err)
	}

	var detector *tonedetect.Detector
	if cc.ToneDetect {
		detector, err = tonedetect.New(tonedetect.Config{
			ChannelID:  cc.ID,
			SampleRate: frame.SampleRate,
			Profiles:   toneProfiles(cc.ToneProfiles),
		})
		if err != nil {
			_ = capture.Close()
			_ = playback.Close()
			return nil, fmt.Errorf("bridge: tone detector for %s: %w", cc.ID, err)
		}
		b.detectors = append(b.detectors, detector)
	}

	ch, err := channel.New(channel.Params{
		ID:              cc.ID,
		WireID:          wireID,
		Frame:           frame,
		JitterTolerance: b.cfg.Audio.JitterTolerance,
	}, capture, playback, b.tr, detector, b.onChannelFault)
	if err != nil {
		_ = capture.Close()
		_ = playback.Close()
		return nil, fmt.Errorf("bridge: channel %s: %w", cc.ID, err)
	}

	if b.rec != nil {
		id := cc.ID
		ch.SetCaptureTap(func(pcm []int16) { b.rec.Feed(id, pcm) })
	}
	return ch, nil
}

func toneProfiles(in []config.ToneProfile) []tonedetect.Profile {
	out := make([]tonedetect.Profile, 0, len(in))
	for _, p := range in {
		out = append(out, tonedetect.Profile{
			ID:           p.ID,
			FreqA:        p.ToneA,
			FreqB:        p.ToneB,
			ToleranceHz:  p.ToleranceHz,
			MinDuration:  p.MinDuration.Std(),
			RecordLength: p.RecordLength.Std(),
			EventID:      p.Event,
		})
	}
	return out
}

// Run connects, starts every component and blocks until ctx is
// cancelled or a component fails beyond recovery. Shutdown runs in
// reverse start order; devices are released last.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.connectWithBackoff(ctx); err != nil {
		b.shutdown()
		return err
	}

	for _, ch := range b.byWire {
		ch.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.dispatch() })
	for _, det := range b.detectors {
		det := det
		g.Go(func() error { return b.toneLoop(gctx, det) })
	}
	g.Go(func() error { return b.faultLoop(gctx) })

	b.ptt.Start(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"package":  "bridge",
		"device":   b.cfg.DeviceID,
		"channels": len(b.byWire),
	}).Info("bridge running")

	<-ctx.Done()

	b.ptt.Close()
	_ = b.tr.Close() // unblocks the dispatcher
	err := g.Wait()
	b.shutdown()
	return err
}

// connectWithBackoff drives the initial connection; once established
// the transport self-heals.
func (b *Bridge) connectWithBackoff(ctx context.Context) error {
	backoff := b.cfg.Server.ReconnectMin.Std()
	max := b.cfg.Server.ReconnectMax.Std()
	for attempt := 1; ; attempt++ {
		err := b.tr.Connect(ctx)
		if err == nil {
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "connectWithBackoff",
			"package":  "bridge",
			"attempt":  attempt,
			"backoff":  backoff,
			"error":    err,
		}).Warn("initial connect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}

// dispatch routes inbound audio to channels by wire id until the
// transport closes.
func (b *Bridge) dispatch() error {
	for {
		pkt, err := b.tr.Receive()
		if err != nil {
			return nil
		}
		ch, ok := b.byWire[pkt.ChannelID]
		if !ok {
			n := b.unknownDrops.Add(1)
			if n == 1 || n%100 == 0 {
				logrus.WithFields(logrus.Fields{
					"function": "dispatch",
					"package":  "bridge",
					"channel":  pkt.ChannelID,
					"dropped":  n,
				}).Warn("packet for unknown channel")
			}
			continue
		}
		ch.Submit(pkt)
	}
}

// toneLoop fans one detector's events out to the server, the event
// publisher and the recorder.
func (b *Bridge) toneLoop(ctx context.Context, det *tonedetect.Detector) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-det.Events():
			logrus.WithFields(logrus.Fields{
				"function": "toneLoop",
				"package":  "bridge",
				"channel":  ev.ChannelID,
				"profile":  ev.ProfileID,
				"freq_a":   ev.FreqA,
				"freq_b":   ev.FreqB,
			}).Info("tone detected")

			if err := b.tr.SendControl(&wire.ToneEvent{
				ChannelID: ev.ChannelID,
				ProfileID: ev.ProfileID,
				ToneA:     ev.FreqA,
				ToneB:     ev.FreqB,
				Time:      ev.At.Unix(),
			}); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "toneLoop",
					"package":  "bridge",
					"channel":  ev.ChannelID,
					"error":    err,
				}).Warn("tone event not sent on control connection")
			}
			if err := b.pub.ToneDetected(ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "toneLoop",
					"package":  "bridge",
					"channel":  ev.ChannelID,
					"error":    err,
				}).Warn("tone event not published")
			}
			if ev.Record > 0 && b.rec != nil {
				b.rec.Start(ev.ChannelID, ev.FreqA, ev.FreqB, ev.Record)
			}
		}
	}
}

// faultLoop reports degraded channels. A fault stops one channel; the
// rest of the bridge keeps running.
func (b *Bridge) faultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-b.faults:
			if err := b.pub.ChannelDegraded(f.channelID, f.err); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "faultLoop",
					"package":  "bridge",
					"channel":  f.channelID,
					"error":    err,
				}).Warn("degraded event not published")
			}
		}
	}
}

func (b *Bridge) onChannelFault(channelID string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "onChannelFault",
		"package":  "bridge",
		"channel":  channelID,
		"error":    err,
	}).Error("channel degraded")
	select {
	case b.faults <- channelFault{channelID: channelID, err: err}:
	default:
	}
}

// handleControl reacts to server-initiated control messages.
func (b *Bridge) handleControl(msg any) {
	switch m := msg.(type) {
	case *wire.Key:
		b.setRemoteTransmit(m.ChannelID, true)
	case *wire.Unkey:
		b.setRemoteTransmit(m.ChannelID, false)
	case *wire.ErrorMessage:
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"package":  "bridge",
			"code":     m.Code,
			"text":     m.Text,
		}).Error("server reported an error")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"package":  "bridge",
			"type":     fmt.Sprintf("%T", msg),
		}).Debug("ignoring control message")
	}
}

// setRemoteTransmit applies a server key/unkey. Remote and local control
// share the same gate; the last writer wins.
func (b *Bridge) setRemoteTransmit(channelID string, on bool) {
	ch, ok := b.byName[channelID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "setRemoteTransmit",
			"package":  "bridge",
			"channel":  channelID,
		}).Warn("key for unknown channel")
		return
	}
	ch.SetTransmit(on)
	if err := b.pub.TransmitChanged(channelID, on); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setRemoteTransmit",
			"package":  "bridge",
			"channel":  channelID,
			"error":    err,
		}).Warn("transmit event not published")
	}
}

func (b *Bridge) closeChannels() {
	for _, ch := range b.byWire {
		_ = ch.Close()
	}
}

func (b *Bridge) shutdown() {
	b.closeChannels()
	if b.rec != nil {
		b.rec.Close()
	}
	b.pub.Close()
}
