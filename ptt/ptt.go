// Package ptt turns physical push-to-talk edges into channel transmit
// state. Each monitored input runs a small debounce state machine on its
// own goroutine; short pulses are treated as contact noise and produce
// no transitions.
package ptt

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/echostream/bridge/device"
	"github.com/echostream/bridge/wire"
)

// DefaultDebounce is the hold time an edge must survive before it
// counts.
const DefaultDebounce = 50 * time.Millisecond

// Target is the channel-side surface the controller drives.
type Target interface {
	ID() string
	SetTransmit(on bool)
}

// ControlSender delivers key/unkey notifications to the server.
type ControlSender interface {
	SendControl(msg any) error
}

// Input pairs one edge source with the channel it keys.
type Input struct {
	Source device.EdgeSource
	Target Target
}

type inputState int

const (
	stateIdle inputState = iota
	// stateDebouncing waits out the hold time after a press edge.
	stateDebouncing
	stateKeyed
	// stateReleasing waits out the hold time after a release edge.
	stateReleasing
)

// Controller monitors push-to-talk inputs. It never touches audio
// buffers; it only flips transmit gates and reports transitions on the
// control connection.
type Controller struct {
	inputs   []Input
	sender   ControlSender
	debounce time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a controller over the given inputs. A zero debounce uses
// DefaultDebounce.
func New(inputs []Input, sender ControlSender, debounce time.Duration) *Controller {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Controller{inputs: inputs, sender: sender, debounce: debounce}
}

// Start launches one monitor goroutine per input.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for _, in := range c.inputs {
		c.wg.Add(1)
		go c.monitor(ctx, in)
	}
}

// Close stops all monitors and waits for them. A keyed channel is
// unkeyed on the way out.
func (c *Controller) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// monitor runs the debounce state machine for one input. Edges arrive
// from a feeder goroutine so the state machine can also wait on the
// debounce timer.
func (c *Controller) monitor(ctx context.Context, in Input) {
	defer c.wg.Done()

	edges := make(chan device.Edge)
	go func() {
		defer close(edges)
		for {
			e, err := in.Source.WaitForEdge(ctx)
			if err != nil {
				return
			}
			select {
			case edges <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	state := stateIdle
	var timer <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if state == stateKeyed || state == stateReleasing {
				c.unkey(in.Target)
			}
			return

		case e, ok := <-edges:
			if !ok {
				if state == stateKeyed || state == stateReleasing {
					c.unkey(in.Target)
				}
				return
			}
			switch state {
			case stateIdle:
				if e.Pressed {
					state = stateDebouncing
					timer = time.After(c.debounce)
				}
			case stateDebouncing:
				if !e.Pressed {
					// Released before the hold time: contact noise.
					state = stateIdle
					timer = nil
				}
			case stateKeyed:
				if !e.Pressed {
					state = stateReleasing
					timer = time.After(c.debounce)
				}
			case stateReleasing:
				if e.Pressed {
					// Bounced back down while releasing: still keyed.
					state = stateKeyed
					timer = nil
				}
			}

		case <-timer:
			timer = nil
			switch state {
			case stateDebouncing:
				state = stateKeyed
				c.key(in.Target)
			case stateReleasing:
				state = stateIdle
				c.unkey(in.Target)
			}
		}
	}
}

func (c *Controller) key(target Target) {
	target.SetTransmit(true)
	logrus.WithFields(logrus.Fields{
		"function": "key",
		"package":  "ptt",
		"channel":  target.ID(),
	}).Info("channel keyed")
	if err := c.sender.SendControl(&wire.Key{
		ChannelID: target.ID(),
		Time:      time.Now().Unix(),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "key",
			"package":  "ptt",
			"channel":  target.ID(),
			"error":    err,
		}).Warn("key notification not delivered")
	}
}

func (c *Controller) unkey(target Target) {
	target.SetTransmit(false)
	logrus.WithFields(logrus.Fields{
		"function": "unkey",
		"package":  "ptt",
		"channel":  target.ID(),
	}).Info("channel unkeyed")
	if err := c.sender.SendControl(&wire.Unkey{
		ChannelID: target.ID(),
		Time:      time.Now().Unix(),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "unkey",
			"package":  "ptt",
			"channel":  target.ID(),
			"error":    err,
		}).Warn("unkey notification not delivered")
	}
}
