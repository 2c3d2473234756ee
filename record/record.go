// Package record captures short WAV clips of a channel's audio after a
// tone detection and uploads them to object storage.
//
// Clips are bounded (a few seconds of 16-bit mono PCM) so they are
// assembled in memory and uploaded on a background goroutine; the
// capture path only appends samples.
package record

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// Uploader stores one finished recording.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, length int64) error
}

// S3Uploader stores recordings in an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds an uploader using the ambient AWS credential
// chain.
func NewS3Uploader(ctx context.Context, bucket, region string) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("record: load AWS config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

// Upload puts one object into the bucket.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader, length int64) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(length),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		return fmt.Errorf("record: put s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// clip accumulates PCM for one in-progress recording.
type clip struct {
	pcm       bytes.Buffer
	remaining int // samples still wanted
	toneA     float64
	toneB     float64
	startedAt time.Time
}

// Recorder manages at most one active clip per channel.
type Recorder struct {
	uploader   Uploader
	sampleRate int
	prefix     string
	timeout    time.Duration

	mu     sync.Mutex
	active map[string]*clip

	uploads sync.WaitGroup
}

// NewRecorder builds a recorder writing clips under prefix (for example
// "recordings").
func NewRecorder(uploader Uploader, sampleRate int, prefix string) *Recorder {
	if prefix == "" {
		prefix = "recordings"
	}
	return &Recorder{
		uploader:   uploader,
		sampleRate: sampleRate,
		prefix:     prefix,
		timeout:    time.Minute,
		active:     make(map[string]*clip),
	}
}

// Start begins a clip on a channel. Returns false when a clip is
// already running there; overlapping detections extend nothing, the
// first recording wins.
func (r *Recorder) Start(channelID string, toneA, toneB float64, length time.Duration) bool {
	samples := int(length.Seconds() * float64(r.sampleRate))
	if samples <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[channelID]; busy {
		return false
	}
	r.active[channelID] = &clip{
		remaining: samples,
		toneA:     toneA,
		toneB:     toneB,
		startedAt: time.Now(),
	}
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"package":  "record",
		"channel":  channelID,
		"samples":  samples,
	}).Info("recording started")
	return true
}

// Feed appends captured PCM to the channel's active clip, if any. Safe
// to call on every frame of every channel.
func (r *Recorder) Feed(channelID string, pcm []int16) {
	r.mu.Lock()
	c, ok := r.active[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if len(pcm) > c.remaining {
		pcm = pcm[:c.remaining]
	}
	_ = binary.Write(&c.pcm, binary.LittleEndian, pcm)
	c.remaining -= len(pcm)
	done := c.remaining <= 0
	if done {
		delete(r.active, channelID)
	}
	r.mu.Unlock()

	if done {
		r.finish(channelID, c)
	}
}

// finish wraps the PCM in a WAV container and uploads it off the
// capture goroutine.
func (r *Recorder) finish(channelID string, c *clip) {
	wav := encodeWAV(r.sampleRate, c.pcm.Bytes())
	key := path.Join(r.prefix, fmt.Sprintf("%d-%.1f-%.1f.wav",
		c.startedAt.Unix(), c.toneA, c.toneB))

	r.uploads.Add(1)
	go func() {
		defer r.uploads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.uploader.Upload(ctx, key, bytes.NewReader(wav), int64(len(wav))); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "finish",
				"package":  "record",
				"channel":  channelID,
				"key":      key,
				"error":    err,
			}).Error("recording upload failed")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "finish",
			"package":  "record",
			"channel":  channelID,
			"key":      key,
			"bytes":    len(wav),
		}).Info("recording uploaded")
	}()
}

// Close waits for in-flight uploads. Unfinished clips are discarded.
func (r *Recorder) Close() {
	r.mu.Lock()
	for id := range r.active {
		delete(r.active, id)
	}
	r.mu.Unlock()
	r.uploads.Wait()
}

// encodeWAV wraps little-endian 16-bit mono PCM in a canonical 44-byte
// RIFF header.
func encodeWAV(sampleRate int, pcm []byte) []byte {
	const (
		bitsPerSample = 16
		channels      = 1
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
