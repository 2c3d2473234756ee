// Command echostream-bridge runs the radio audio bridge daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/echostream/bridge/bridge"
	"github.com/echostream/bridge/config"
	"github.com/echostream/bridge/device"
	"github.com/echostream/bridge/events"
	"github.com/echostream/bridge/record"
)

const gpioChip = "gpiochip0"

// hardwareFactory opens the real audio and GPIO devices.
type hardwareFactory struct {
	audio      *device.AudioContext
	sampleRate int
}

func (f *hardwareFactory) OpenCapture(channelID string) (device.CaptureDevice, error) {
	return device.NewMalgoCapture(f.audio, f.sampleRate)
}

func (f *hardwareFactory) OpenPlayback(channelID string) (device.PlaybackDevice, error) {
	return device.NewMalgoPlayback(f.audio, f.sampleRate)
}

func (f *hardwareFactory) OpenEdge(pin int) (device.EdgeSource, error) {
	return device.NewGPIOEdgeSource(gpioChip, pin)
}

func main() {
	configPath := flag.String("config", "/etc/echostream/config.yaml", "path to the YAML configuration")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	audioCtx, err := device.NewAudioContext()
	if err != nil {
		logrus.WithError(err).Fatal("audio backend unavailable")
	}
	defer audioCtx.Close()

	factory := &hardwareFactory{audio: audioCtx, sampleRate: cfg.Audio.SampleRate}

	// Event publishing and recording are best-effort extras: the bridge
	// still moves audio when the broker or bucket is unreachable.
	var pub events.Publisher = events.Nop{}
	if cfg.MQTT != nil {
		p, err := events.NewMQTT(events.Options{
			DeviceID:   cfg.DeviceID,
			Broker:     cfg.MQTT.Broker,
			Port:       cfg.MQTT.Port,
			CACert:     cfg.MQTT.CACert,
			ClientCert: cfg.MQTT.ClientCert,
			ClientKey:  cfg.MQTT.ClientKey,
		})
		if err != nil {
			logrus.WithError(err).Warn("event publishing disabled")
		} else {
			pub = p
		}
	}

	var uploader record.Uploader
	if cfg.S3 != nil {
		up, err := record.NewS3Uploader(ctx, cfg.S3.Bucket, cfg.S3.Region)
		if err != nil {
			logrus.WithError(err).Warn("recording upload disabled")
		} else {
			uploader = up
		}
	}

	b, err := bridge.New(cfg, factory, pub, uploader)
	if err != nil {
		logrus.WithError(err).Fatal("bridge assembly failed")
	}

	logrus.WithFields(logrus.Fields{
		"device":   cfg.DeviceID,
		"channels": len(cfg.Channels),
		"server":   cfg.Server.ControlURL,
	}).Info("starting bridge")

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("bridge stopped")
	}
}
