// Package config loads and validates the bridge's YAML configuration.
//
// Configuration is read once at startup. Any validation failure is fatal:
// the bridge refuses to start on a config it only partially understands.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxChannels bounds how many audio channels one bridge instance serves.
// The deployment hardware carries at most four radio interfaces.
const MaxChannels = 4

// Duration is a time.Duration that unmarshals from YAML strings like
// "40ms" or "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"40ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root of the YAML document.
type Config struct {
	DeviceID    string            `yaml:"device_id"`
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Channels    []ChannelConfig   `yaml:"channels"`
	// PTTDebounce is how long a push-to-talk edge must hold before it
	// keys or unkeys a channel.
	PTTDebounce Duration    `yaml:"ptt_debounce,omitempty"`
	MQTT        *MQTTConfig `yaml:"mqtt,omitempty"`
	S3          *S3Config   `yaml:"s3,omitempty"`
}

// ServerConfig locates the control endpoint and tunes connection
// liveness.
type ServerConfig struct {
	ControlURL        string   `yaml:"control_url"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int      `yaml:"heartbeat_misses"`
	ReconnectMin      Duration `yaml:"reconnect_min"`
	ReconnectMax      Duration `yaml:"reconnect_max"`
	ControlTimeout    Duration `yaml:"control_timeout"`
}

// AudioConfig pins the PCM geometry shared by every channel.
type AudioConfig struct {
	SampleRate    int      `yaml:"sample_rate"`
	FrameDuration Duration `yaml:"frame_duration"`
	// JitterTolerance is the number of missed sequence numbers playback
	// absorbs before inserting silence.
	JitterTolerance uint32 `yaml:"jitter_tolerance"`
}

// CredentialsConfig carries the control session identity and the audio
// master key (base64, 32 bytes decoded).
type CredentialsConfig struct {
	AgencyID  string `yaml:"agency_id"`
	UserName  string `yaml:"user_name"`
	Secret    string `yaml:"secret"`
	MasterKey string `yaml:"master_key"`
}

// ChannelConfig describes one audio channel and its optional tone
// detection.
type ChannelConfig struct {
	ID           string        `yaml:"id"`
	Pin          int           `yaml:"pin"`
	ToneDetect   bool          `yaml:"tone_detect"`
	ToneProfiles []ToneProfile `yaml:"tone_profiles,omitempty"`
}

// ToneProfile is one tone signature for a channel's detector.
type ToneProfile struct {
	ID           string   `yaml:"id"`
	ToneA        float64  `yaml:"tone_a"`
	ToneB        float64  `yaml:"tone_b,omitempty"`
	ToleranceHz  float64  `yaml:"tolerance_hz"`
	MinDuration  Duration `yaml:"min_duration"`
	RecordLength Duration `yaml:"record_length,omitempty"`
	Event        string   `yaml:"event"`
}

// MQTTConfig configures the optional event publisher.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Port       int    `yaml:"port"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// S3Config configures the optional recording upload target.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// applyDefaults fills unset tunables with deployment defaults.
func (c *Config) applyDefaults() {
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = Duration(10 * time.Second)
	}
	if c.Server.HeartbeatMisses == 0 {
		c.Server.HeartbeatMisses = 3
	}
	if c.Server.ReconnectMin == 0 {
		c.Server.ReconnectMin = Duration(time.Second)
	}
	if c.Server.ReconnectMax == 0 {
		c.Server.ReconnectMax = Duration(30 * time.Second)
	}
	if c.Server.ControlTimeout == 0 {
		c.Server.ControlTimeout = Duration(5 * time.Second)
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.FrameDuration == 0 {
		c.Audio.FrameDuration = Duration(40 * time.Millisecond)
	}
	if c.Audio.JitterTolerance == 0 {
		c.Audio.JitterTolerance = 3
	}
	if c.PTTDebounce == 0 {
		c.PTTDebounce = Duration(50 * time.Millisecond)
	}
	if c.MQTT != nil && c.MQTT.Port == 0 {
		c.MQTT.Port = 8883
	}
}
