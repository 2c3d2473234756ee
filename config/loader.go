package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/echostream/bridge/crypto"
)

// ErrInvalidConfig wraps every validation failure so callers can
// distinguish a bad config from an unreadable file.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Load reads the YAML configuration file at path and returns a validated
// Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg is a coherent configuration. All failures are
// collected and returned joined, so an operator fixes everything in one
// pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.DeviceID == "" {
		errs = append(errs, errors.New("device_id is required"))
	}

	if cfg.Server.ControlURL == "" {
		errs = append(errs, errors.New("server.control_url is required"))
	} else if u, err := url.Parse(cfg.Server.ControlURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("server.control_url %q must be a ws:// or wss:// URL", cfg.Server.ControlURL))
	}

	switch cfg.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not an Opus rate", cfg.Audio.SampleRate))
	}

	key := crypto.DecodeBase64(cfg.Credentials.MasterKey)
	if len(key) != crypto.KeySize {
		errs = append(errs, fmt.Errorf("credentials.master_key must decode to %d bytes", crypto.KeySize))
	}

	if len(cfg.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel is required"))
	}
	if len(cfg.Channels) > MaxChannels {
		errs = append(errs, fmt.Errorf("at most %d channels are supported, got %d", MaxChannels, len(cfg.Channels)))
	}

	seenIDs := map[string]bool{}
	seenPins := map[int]bool{}
	nyquist := float64(cfg.Audio.SampleRate) / 2
	for i, ch := range cfg.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("channels[%d].id is required", i))
			continue
		}
		if seenIDs[ch.ID] {
			errs = append(errs, fmt.Errorf("channels[%d].id %q is duplicated", i, ch.ID))
		}
		seenIDs[ch.ID] = true
		// Pin 0 means no PTT input; monitor-only channels may all omit it.
		if ch.Pin > 0 {
			if seenPins[ch.Pin] {
				errs = append(errs, fmt.Errorf("channels[%d].pin %d is duplicated", i, ch.Pin))
			}
			seenPins[ch.Pin] = true
		}

		if ch.ToneDetect && len(ch.ToneProfiles) == 0 {
			errs = append(errs, fmt.Errorf("channel %q enables tone_detect without tone_profiles", ch.ID))
		}
		for _, p := range ch.ToneProfiles {
			if p.ID == "" {
				errs = append(errs, fmt.Errorf("channel %q has a tone profile without an id", ch.ID))
			}
			if p.ToneA <= 0 || p.ToneA >= nyquist {
				errs = append(errs, fmt.Errorf("channel %q profile %q tone_a %.1f Hz is outside (0, %.0f)", ch.ID, p.ID, p.ToneA, nyquist))
			}
			if p.ToneB < 0 || p.ToneB >= nyquist {
				errs = append(errs, fmt.Errorf("channel %q profile %q tone_b %.1f Hz is outside [0, %.0f)", ch.ID, p.ID, p.ToneB, nyquist))
			}
			if p.ToleranceHz <= 0 {
				errs = append(errs, fmt.Errorf("channel %q profile %q tolerance_hz must be positive", ch.ID, p.ID))
			}
			if p.MinDuration <= 0 {
				errs = append(errs, fmt.Errorf("channel %q profile %q min_duration must be positive", ch.ID, p.ID))
			}
		}
	}

	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is configured"))
	}
	if cfg.S3 != nil && cfg.S3.Bucket == "" {
		errs = append(errs, errors.New("s3.bucket is required when s3 is configured"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// MasterKey returns the decoded audio master key. Validate has already
// checked the length.
func (c *Config) MasterKey() []byte {
	return crypto.DecodeBase64(c.Credentials.MasterKey)
}
