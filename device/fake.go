package device

import (
	"context"
	"math"
	"math/rand"
	"sync"
)

// FakeCapture is a scripted CaptureDevice for tests. A generator function
// produces each frame; nil generators produce silence.
type FakeCapture struct {
	mu     sync.Mutex
	gen    func(frame int, dst []int16)
	frame  int
	closed bool
}

// NewFakeCapture returns a capture device producing frames from gen.
func NewFakeCapture(gen func(frame int, dst []int16)) *FakeCapture {
	return &FakeCapture{gen: gen}
}

// ReadFrame fills dst from the generator. It does not pace itself; tests
// drive timing.
func (f *FakeCapture) ReadFrame(dst []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrDeviceClosed
	}
	for i := range dst {
		dst[i] = 0
	}
	if f.gen != nil {
		f.gen(f.frame, dst)
	}
	f.frame++
	return nil
}

// Close marks the device closed; subsequent reads fail.
func (f *FakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Frames reports how many frames have been read.
func (f *FakeCapture) Frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

// SineGenerator produces a pure tone at freq for the given sample rate.
func SineGenerator(freq float64, sampleRate int, amplitude float64) func(frame int, dst []int16) {
	pos := 0
	return func(_ int, dst []int16) {
		for i := range dst {
			v := amplitude * math.Sin(2*math.Pi*freq*float64(pos)/float64(sampleRate))
			dst[i] = int16(v * 32767)
			pos++
		}
	}
}

// NoiseGenerator produces deterministic white noise.
func NoiseGenerator(seed int64, amplitude float64) func(frame int, dst []int16) {
	rng := rand.New(rand.NewSource(seed))
	return func(_ int, dst []int16) {
		for i := range dst {
			dst[i] = int16((rng.Float64()*2 - 1) * amplitude * 32767)
		}
	}
}

// FakePlayback records every frame written to it.
type FakePlayback struct {
	mu     sync.Mutex
	frames [][]int16
	closed bool
}

// NewFakePlayback returns an empty recording sink.
func NewFakePlayback() *FakePlayback {
	return &FakePlayback{}
}

// WriteFrame records a copy of src.
func (f *FakePlayback) WriteFrame(src []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrDeviceClosed
	}
	frame := make([]int16, len(src))
	copy(frame, src)
	f.frames = append(f.frames, frame)
	return nil
}

// Close marks the sink closed.
func (f *FakePlayback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Written returns the recorded frames.
func (f *FakePlayback) Written() [][]int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]int16, len(f.frames))
	copy(out, f.frames)
	return out
}

// FakeEdgeSource replays a scripted sequence of edges. WaitForEdge blocks
// on the internal channel so tests control exact delivery timing.
type FakeEdgeSource struct {
	ch chan Edge
}

// NewFakeEdgeSource returns an edge source fed by Emit.
func NewFakeEdgeSource() *FakeEdgeSource {
	return &FakeEdgeSource{ch: make(chan Edge, 16)}
}

// Emit queues one edge for delivery.
func (f *FakeEdgeSource) Emit(e Edge) {
	f.ch <- e
}

// WaitForEdge delivers the next scripted edge or the context error.
func (f *FakeEdgeSource) WaitForEdge(ctx context.Context) (Edge, error) {
	select {
	case e := <-f.ch:
		return e, nil
	case <-ctx.Done():
		return Edge{}, ctx.Err()
	}
}
