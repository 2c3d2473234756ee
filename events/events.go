// Package events publishes bridge happenings to an MQTT broker: tone
// detections and transmit state changes. Publishing is best-effort; a
// broker outage never blocks the audio path.
package events

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/echostream/bridge/tonedetect"
)

// publishTimeout bounds how long one publish may block its caller.
const publishTimeout = 5 * time.Second

// Publisher receives bridge events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	ToneDetected(ev tonedetect.Event) error
	TransmitChanged(channelID string, transmitting bool) error
	ChannelDegraded(channelID string, cause error) error
	Close()
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) ToneDetected(tonedetect.Event) error { return nil }
func (Nop) TransmitChanged(string, bool) error  { return nil }
func (Nop) ChannelDegraded(string, error) error { return nil }
func (Nop) Close()                              {}

// Options configures the MQTT publisher.
type Options struct {
	DeviceID string
	Broker   string
	Port     int

	// TLS material for mutual authentication. All three paths must be
	// set together or all left empty.
	CACert     string
	ClientCert string
	ClientKey  string
}

// toneDetails mirrors the tone_details object consumers already parse.
type toneDetails struct {
	FrequencyHz float64 `json:"frequency_hz,omitempty"`
	ToneA       float64 `json:"tone_a,omitempty"`
	ToneB       float64 `json:"tone_b,omitempty"`
}

type message struct {
	MessageID   string       `json:"message_id"`
	Timestamp   int64        `json:"timestamp"`
	DeviceID    string       `json:"device_id"`
	EventType   string       `json:"event_type"`
	ChannelID   string       `json:"channel_id,omitempty"`
	Error       string       `json:"error,omitempty"`
	ToneDetails *toneDetails `json:"tone_details,omitempty"`
}

// MQTT publishes events over a persistent broker connection with QoS 1.
type MQTT struct {
	client   mqtt.Client
	deviceID string
}

// NewMQTT connects to the broker. The connection auto-reconnects; a
// failed initial connection is an error because it usually means bad
// credentials or endpoint.
func NewMQTT(opts Options) (*MQTT, error) {
	if opts.Broker == "" {
		return nil, errors.New("events: broker required")
	}
	if opts.Port == 0 {
		opts.Port = 8883
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", opts.Broker, opts.Port)).
		SetClientID(opts.DeviceID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	if opts.CACert != "" {
		tlsCfg, err := newTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		clientOpts.SetTLSConfig(tlsCfg)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, errors.New("events: broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("events: broker connect: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewMQTT",
		"package":  "events",
		"broker":   opts.Broker,
		"port":     opts.Port,
	}).Info("event publisher connected")

	return &MQTT{client: client, deviceID: opts.DeviceID}, nil
}

func newTLSConfig(opts Options) (*tls.Config, error) {
	caPEM, err := os.ReadFile(opts.CACert)
	if err != nil {
		return nil, fmt.Errorf("events: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("events: CA certificate not parseable")
	}
	cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("events: load client certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// newToneMessage builds the tone_detection payload. Single tones report
// frequency_hz; two-tone pairs report tone_a and tone_b, matching what
// downstream consumers already parse.
func newToneMessage(deviceID string, ev tonedetect.Event) message {
	details := &toneDetails{}
	if ev.FreqB > 0 {
		details.ToneA = ev.FreqA
		details.ToneB = ev.FreqB
	} else {
		details.FrequencyHz = ev.FreqA
	}
	return message{
		MessageID:   "tone_" + uuid.NewString(),
		Timestamp:   ev.At.Unix(),
		DeviceID:    deviceID,
		EventType:   "new_tone_detected",
		ChannelID:   ev.ChannelID,
		ToneDetails: details,
	}
}

// ToneDetected publishes one tone detection on the device's
// tone_detection topic.
func (m *MQTT) ToneDetected(ev tonedetect.Event) error {
	return m.publish(
		fmt.Sprintf("from/device/%s/tone_detection", m.deviceID),
		newToneMessage(m.deviceID, ev),
	)
}

// TransmitChanged publishes a transmit_started or transmit_ended event.
func (m *MQTT) TransmitChanged(channelID string, transmitting bool) error {
	eventType := "transmit_ended"
	if transmitting {
		eventType = "transmit_started"
	}
	return m.publish(
		fmt.Sprintf("from/device/%s/transmit", m.deviceID),
		message{
			MessageID: "tx_" + uuid.NewString(),
			Timestamp: time.Now().Unix(),
			DeviceID:  m.deviceID,
			EventType: eventType,
			ChannelID: channelID,
		},
	)
}

// ChannelDegraded publishes a channel fault so operators see dead audio
// paths without shell access to the device.
func (m *MQTT) ChannelDegraded(channelID string, cause error) error {
	return m.publish(
		fmt.Sprintf("from/device/%s/status", m.deviceID),
		message{
			MessageID: "status_" + uuid.NewString(),
			Timestamp: time.Now().Unix(),
			DeviceID:  m.deviceID,
			EventType: "channel_degraded",
			ChannelID: channelID,
			Error:     cause.Error(),
		},
	)
}

func (m *MQTT) publish(topic string, msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", msg.EventType, err)
	}
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("events: publish %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight messages a
// short grace period.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
