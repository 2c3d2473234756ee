package device

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// AudioContext is the shared miniaudio backend context. One context
// serves every capture and playback device in the process.
type AudioContext struct {
	ctx *malgo.AllocatedContext
}

// NewAudioContext initializes the platform audio backend.
func NewAudioContext() (*AudioContext, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logrus.WithField("package", "device").Debug(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w", err)
	}
	return &AudioContext{ctx: mctx}, nil
}

// Close tears down the backend. Devices must be closed first.
func (c *AudioContext) Close() error {
	if err := c.ctx.Uninit(); err != nil {
		return err
	}
	c.ctx.Free()
	return nil
}

// MalgoCapture reads 16-bit mono PCM from the default capture device.
type MalgoCapture struct {
	dev    *malgo.Device
	chunks chan []int16
	// leftover carries samples past a frame boundary to the next read.
	leftover []int16
	closed   chan struct{}
	once     sync.Once
}

// NewMalgoCapture opens and starts the default capture device at the
// given rate.
func NewMalgoCapture(ctx *AudioContext, sampleRate int) (*MalgoCapture, error) {
	c := &MalgoCapture{
		chunks: make(chan []int16, 32),
		closed: make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			pcm := bytesToPCM(in)
			select {
			case c.chunks <- pcm:
			default:
				// Reader fell behind; dropping keeps capture real-time.
			}
		},
	}
	dev, err := malgo.InitDevice(ctx.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("device: init capture: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start capture: %w", err)
	}
	c.dev = dev
	return c, nil
}

// ReadFrame blocks until dst is filled with captured samples.
func (c *MalgoCapture) ReadFrame(dst []int16) error {
	filled := 0
	for filled < len(dst) {
		if len(c.leftover) > 0 {
			n := copy(dst[filled:], c.leftover)
			c.leftover = c.leftover[n:]
			filled += n
			continue
		}
		select {
		case chunk := <-c.chunks:
			c.leftover = chunk
		case <-c.closed:
			return ErrDeviceClosed
		}
	}
	return nil
}

// Close stops the device and unblocks any pending read.
func (c *MalgoCapture) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.dev.Uninit()
	})
	return nil
}

// MalgoPlayback writes 16-bit mono PCM to the default playback device.
type MalgoPlayback struct {
	dev    *malgo.Device
	chunks chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	pending  []byte
	underrun uint64
}

// NewMalgoPlayback opens and starts the default playback device.
func NewMalgoPlayback(ctx *AudioContext, sampleRate int) (*MalgoPlayback, error) {
	p := &MalgoPlayback{
		chunks: make(chan []byte, 32),
		closed: make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			p.fill(out)
		},
	}
	dev, err := malgo.InitDevice(ctx.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("device: init playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start playback: %w", err)
	}
	p.dev = dev
	return p, nil
}

// fill services the device callback. Underruns play silence.
func (p *MalgoPlayback) fill(out []byte) {
	filled := 0
	for filled < len(out) {
		p.mu.Lock()
		if len(p.pending) > 0 {
			n := copy(out[filled:], p.pending)
			p.pending = p.pending[n:]
			filled += n
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		select {
		case chunk := <-p.chunks:
			p.mu.Lock()
			p.pending = chunk
			p.mu.Unlock()
		default:
			for i := filled; i < len(out); i++ {
				out[i] = 0
			}
			return
		}
	}
}

// WriteFrame queues one frame; blocks only when the device is several
// frames behind.
func (p *MalgoPlayback) WriteFrame(src []int16) error {
	buf := make([]byte, len(src)*2)
	for i, s := range src {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	select {
	case p.chunks <- buf:
		return nil
	case <-p.closed:
		return ErrDeviceClosed
	}
}

// Close stops the device and unblocks any pending write.
func (p *MalgoPlayback) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.dev.Uninit()
	})
	return nil
}

func bytesToPCM(in []byte) []int16 {
	pcm := make([]int16, len(in)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(in[i*2:]))
	}
	return pcm
}
