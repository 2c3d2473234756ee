// Package tonedetect classifies a live capture stream against a fixed set
// of tone profiles.
//
// The detector keeps a sliding window of recent samples and runs an FFT
// over it on every fed frame. A profile matches while the spectral peak
// sits within tolerance of the target frequency and carries enough of the
// window's total energy. Detection is edge triggered: one event per
// continuous detection, re-armed only after the signal has been away for a
// debounce interval.
//
// Feed runs synchronously on the capture thread's tap and must stay well
// inside one frame period; the analysis reuses its FFT plan and buffers to
// keep the hot path allocation-light.
package tonedetect

import (
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Profile is one tone signature to watch for. FreqB of zero means a
// single-tone profile; otherwise the profile is a two-tone sequence (A
// held for MinDuration, then B held for MinDuration) as used by paging
// systems.
type Profile struct {
	ID           string
	FreqA        float64
	FreqB        float64
	ToleranceHz  float64
	MinDuration  time.Duration
	RecordLength time.Duration
	EventID      string
}

// Event is the opaque notification handed to the coordinator when a
// profile completes.
type Event struct {
	ChannelID string
	ProfileID string
	EventID   string
	FreqA     float64
	FreqB     float64
	Record    time.Duration
	At        time.Time
}

// Config sets up a Detector for one channel.
type Config struct {
	ChannelID  string
	SampleRate int
	Profiles   []Profile
	// EnergyRatio is the fraction of window energy the peak band must
	// carry to count as a tone. Defaults to 0.5.
	EnergyRatio float64
	// Debounce is how long the signal must stay away before a profile
	// re-arms. Defaults to 500 ms.
	Debounce time.Duration
}

const (
	defaultEnergyRatio = 0.5
	defaultDebounce    = 500 * time.Millisecond

	minWindow = 1024
	maxWindow = 8192
)

// profileState tracks one profile's progress through its tone sequence.
type profileState struct {
	profile Profile

	// stage is 0 while waiting for tone A, 1 while waiting for tone B.
	stage int
	// matched counts consecutive samples the current stage's tone has
	// been present; away counts samples since it was last present.
	matched int64
	away    int64
	// fired blocks re-triggering until the debounce interval passes with
	// no match.
	fired bool
}

// Detector watches one channel's capture stream.
type Detector struct {
	channelID  string
	sampleRate int
	ratio      float64
	debounce   int64 // samples
	minSamples func(d time.Duration) int64

	window   []float64
	filled   int
	fft      *fourier.FFT
	coeffBuf []complex128
	workBuf  []float64

	states []profileState

	events  chan Event
	dropped uint64
}

// New creates a detector. The window length is derived from the tightest
// profile tolerance so that bin resolution (sample_rate / window) stays at
// or below it, clamped to a practical range; parabolic interpolation
// recovers sub-bin accuracy.
func New(cfg Config) (*Detector, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("tonedetect: invalid sample rate %d", cfg.SampleRate)
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("tonedetect: no profiles configured")
	}

	minTol := math.Inf(1)
	for _, p := range cfg.Profiles {
		if p.ToleranceHz <= 0 || p.FreqA <= 0 || p.MinDuration <= 0 {
			return nil, fmt.Errorf("tonedetect: profile %q has non-positive parameters", p.ID)
		}
		nyquist := float64(cfg.SampleRate) / 2
		if p.FreqA >= nyquist || p.FreqB >= nyquist {
			return nil, fmt.Errorf("tonedetect: profile %q frequency above nyquist", p.ID)
		}
		if p.ToleranceHz < minTol {
			minTol = p.ToleranceHz
		}
	}

	window := nextPow2(int(float64(cfg.SampleRate) / minTol))
	if window < minWindow {
		window = minWindow
	}
	if window > maxWindow {
		window = maxWindow
	}

	ratio := cfg.EnergyRatio
	if ratio == 0 {
		ratio = defaultEnergyRatio
	}
	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = defaultDebounce
	}

	d := &Detector{
		channelID:  cfg.ChannelID,
		sampleRate: cfg.SampleRate,
		ratio:      ratio,
		debounce:   int64(debounce.Seconds() * float64(cfg.SampleRate)),
		window:     make([]float64, window),
		fft:        fourier.NewFFT(window),
		coeffBuf:   make([]complex128, window/2+1),
		workBuf:    make([]float64, window),
		events:     make(chan Event, 16),
	}
	d.minSamples = func(dur time.Duration) int64 {
		return int64(dur.Seconds() * float64(cfg.SampleRate))
	}
	for _, p := range cfg.Profiles {
		d.states = append(d.states, profileState{profile: p})
	}

	logrus.WithFields(logrus.Fields{
		"channel":     cfg.ChannelID,
		"window":      window,
		"resolution":  float64(cfg.SampleRate) / float64(window),
		"profiles":    len(cfg.Profiles),
		"sample_rate": cfg.SampleRate,
	}).Info("Tone detector configured")

	return d, nil
}

// Events delivers detections. The channel is bounded; if the coordinator
// falls behind, events are dropped rather than stalling the capture
// thread.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// Feed advances the sliding window with one capture frame and runs the
// analysis. It never blocks.
func (d *Detector) Feed(pcm []int16) {
	n := len(pcm)
	if n == 0 {
		return
	}
	if n >= len(d.window) {
		for i := range d.window {
			d.window[i] = float64(pcm[n-len(d.window)+i]) / 32768.0
		}
		d.filled = len(d.window)
	} else {
		copy(d.window, d.window[n:])
		base := len(d.window) - n
		for i, s := range pcm {
			d.window[base+i] = float64(s) / 32768.0
		}
		if d.filled < len(d.window) {
			d.filled += n
		}
	}

	if d.filled < len(d.window) {
		return
	}

	freq, ratio := d.analyze()
	for i := range d.states {
		d.advance(&d.states[i], freq, ratio, int64(n))
	}
}

// analyze returns the dominant frequency of the current window and the
// fraction of window energy concentrated in the peak band.
func (d *Detector) analyze() (float64, float64) {
	// Hann window to contain spectral leakage.
	n := len(d.window)
	for i, s := range d.window {
		hann := 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(n-1)))
		d.workBuf[i] = s * hann
	}

	coeff := d.fft.Coefficients(d.coeffBuf, d.workBuf)

	total := 0.0
	peak := 0.0
	peakIdx := 0
	// Skip DC and the last bin; neither can be a tone peak.
	for k := 1; k < len(coeff)-1; k++ {
		mag := cmplx.Abs(coeff[k])
		e := mag * mag
		total += e
		if mag > peak {
			peak = mag
			peakIdx = k
		}
	}
	if total == 0 || peakIdx == 0 {
		return 0, 0
	}

	// Parabolic interpolation over log magnitudes recovers the true peak
	// position between bins.
	trueIdx := float64(peakIdx)
	m0 := math.Log(cmplx.Abs(d.coeffBuf[peakIdx-1]) + 1e-10)
	m1 := math.Log(cmplx.Abs(d.coeffBuf[peakIdx]) + 1e-10)
	m2 := math.Log(cmplx.Abs(d.coeffBuf[peakIdx+1]) + 1e-10)
	denom := m0 - 2*m1 + m2
	if denom != 0 {
		trueIdx += 0.5 * (m0 - m2) / denom
	}
	freq := trueIdx * float64(d.sampleRate) / float64(n)

	// Energy within one bin either side of the peak counts as the tone's
	// band.
	band := 0.0
	for k := peakIdx - 1; k <= peakIdx+1; k++ {
		mag := cmplx.Abs(d.coeffBuf[k])
		band += mag * mag
	}

	return freq, band / total
}

// advance moves one profile's state machine by frameLen samples given the
// currently observed dominant frequency.
func (d *Detector) advance(st *profileState, freq, ratio float64, frameLen int64) {
	target := st.profile.FreqA
	if st.stage == 1 {
		target = st.profile.FreqB
	}

	present := ratio >= d.ratio && math.Abs(freq-target) <= st.profile.ToleranceHz

	if present {
		st.matched += frameLen
		st.away = 0
	} else {
		st.away += frameLen
		// A short dropout within the tone is tolerated for one frame;
		// beyond that the stage restarts.
		if st.away > frameLen {
			st.matched = 0
			if st.stage == 1 && st.away >= d.minStageGap() {
				// Tone B never arrived; abandon the sequence.
				st.stage = 0
			}
		}
		if st.fired && st.away >= d.debounce {
			st.fired = false
		}
		return
	}

	if st.fired || st.matched < d.minSamples(st.profile.MinDuration) {
		return
	}

	if st.stage == 0 && st.profile.FreqB > 0 {
		st.stage = 1
		st.matched = 0
		logrus.WithFields(logrus.Fields{
			"channel": d.channelID,
			"profile": st.profile.ID,
			"tone_a":  st.profile.FreqA,
		}).Debug("Tone A confirmed, awaiting tone B")
		return
	}

	// Sequence complete.
	st.fired = true
	st.stage = 0
	st.matched = 0
	ev := Event{
		ChannelID: d.channelID,
		ProfileID: st.profile.ID,
		EventID:   st.profile.EventID,
		FreqA:     st.profile.FreqA,
		FreqB:     st.profile.FreqB,
		Record:    st.profile.RecordLength,
		At:        time.Now(),
	}
	select {
	case d.events <- ev:
	default:
		d.dropped++
		if d.dropped == 1 || d.dropped%50 == 0 {
			logrus.WithFields(logrus.Fields{
				"channel": d.channelID,
				"dropped": d.dropped,
			}).Warn("Tone event queue full, dropping")
		}
		return
	}

	logrus.WithFields(logrus.Fields{
		"channel": d.channelID,
		"profile": st.profile.ID,
		"tone_a":  st.profile.FreqA,
		"tone_b":  st.profile.FreqB,
	}).Info("Tone sequence detected")
}

// minStageGap is how long the detector waits for tone B after tone A
// before giving up on the sequence.
func (d *Detector) minStageGap() int64 {
	return d.debounce * 2
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
