// Package codec wraps the Opus speech codec behind fixed-duration frame
// encode/decode operations.
//
// Encoding uses layeh.com/gopus (libopus bindings); decoding uses the pure
// Go pion/opus decoder. Each channel owns exactly one Encoder and one
// Decoder so codec state stays consistent across consecutive frames.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
	"layeh.com/gopus"
)

// Bitrate used for outgoing voice. Matches the deployment's 64 kbps VBR
// voice configuration.
const Bitrate = 64000

// maxEncodedFrame bounds one encoded Opus frame. Voice frames at 64 kbps
// are far smaller; this is the buffer handed to the encoder.
const maxEncodedFrame = 1275

// FrameParams pins the PCM geometry every frame in a channel shares.
type FrameParams struct {
	SampleRate    int
	FrameDuration time.Duration
}

// SamplesPerFrame returns the PCM sample count of one frame.
func (p FrameParams) SamplesPerFrame() int {
	return p.SampleRate * int(p.FrameDuration/time.Millisecond) / 1000
}

// Validate checks the parameters against what Opus supports.
func (p FrameParams) Validate() error {
	switch p.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("codec: unsupported sample rate %d", p.SampleRate)
	}
	switch p.FrameDuration {
	case 10 * time.Millisecond, 20 * time.Millisecond,
		40 * time.Millisecond, 60 * time.Millisecond:
	default:
		return fmt.Errorf("codec: unsupported frame duration %s", p.FrameDuration)
	}
	return nil
}

// ErrFrameSize is returned when a PCM frame does not match the configured
// frame geometry.
var ErrFrameSize = errors.New("codec: pcm length does not match frame size")

// Encoder compresses fixed-duration mono PCM frames.
type Encoder struct {
	enc    *gopus.Encoder
	params FrameParams
}

// NewEncoder creates an Opus encoder in VOIP mode for the given frame
// geometry.
func NewEncoder(params FrameParams) (*Encoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	enc, err := gopus.NewEncoder(params.SampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create encoder: %w", err)
	}
	enc.SetBitrate(Bitrate)

	logrus.WithFields(logrus.Fields{
		"sample_rate":    params.SampleRate,
		"frame_duration": params.FrameDuration,
		"bitrate":        Bitrate,
	}).Debug("Opus encoder created")

	return &Encoder{enc: enc, params: params}, nil
}

// Encode compresses exactly one frame of mono PCM.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.params.SamplesPerFrame() {
		return nil, fmt.Errorf("%w: got %d want %d", ErrFrameSize, len(pcm), e.params.SamplesPerFrame())
	}

	data, err := e.enc.Encode(pcm, len(pcm), maxEncodedFrame)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return data, nil
}

// Decoder decompresses Opus frames back to fixed-duration mono PCM.
type Decoder struct {
	dec    *opus.Decoder
	params FrameParams
	out    []byte
}

// NewDecoder creates an Opus decoder for the given frame geometry.
func NewDecoder(params FrameParams) (*Decoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	dec := opus.NewDecoder()
	return &Decoder{
		dec:    &dec,
		params: params,
		out:    make([]byte, params.SamplesPerFrame()*2),
	}, nil
}

// Decode decompresses one Opus frame. The result always has exactly one
// frame's worth of samples: shorter decodes are zero padded and longer ones
// truncated, so a decoded frame's duration never drifts.
func (d *Decoder) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, errors.New("codec: empty frame")
	}

	for i := range d.out {
		d.out[i] = 0
	}
	_, isStereo, err := d.dec.Decode(data, d.out)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}

	n := d.params.SamplesPerFrame()
	pcm := make([]int16, n)
	if isStereo {
		// Downmix by taking the left channel; mono is the contract here.
		for i := 0; i < n && i*4+1 < len(d.out); i++ {
			pcm[i] = int16(d.out[i*4]) | int16(d.out[i*4+1])<<8
		}
		return pcm, nil
	}
	for i := 0; i < n; i++ {
		pcm[i] = int16(d.out[i*2]) | int16(d.out[i*2+1])<<8
	}
	return pcm, nil
}

// SamplesPerFrame exposes the decoder's frame geometry to the playback
// path (silence insertion needs it).
func (d *Decoder) SamplesPerFrame() int {
	return d.params.SamplesPerFrame()
}
