package device

import (
	"context"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOEdgeSource delivers push-to-talk edges from a GPIO line. The
// switch wires the line to ground, so a falling edge means pressed.
type GPIOEdgeSource struct {
	line  *gpiocdev.Line
	pin   int
	edges chan Edge
}

// NewGPIOEdgeSource requests the line with a pull-up and edge events in
// both directions.
func NewGPIOEdgeSource(chip string, pin int) (*GPIOEdgeSource, error) {
	g := &GPIOEdgeSource{
		pin:   pin,
		edges: make(chan Edge, 16),
	}
	line, err := gpiocdev.RequestLine(chip, pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(g.handle),
	)
	if err != nil {
		return nil, fmt.Errorf("device: request gpio %s:%d: %w", chip, pin, err)
	}
	g.line = line
	return g, nil
}

func (g *GPIOEdgeSource) handle(evt gpiocdev.LineEvent) {
	edge := Edge{
		Pin:     g.pin,
		Pressed: evt.Type == gpiocdev.LineEventFallingEdge,
		At:      time.Now(),
	}
	select {
	case g.edges <- edge:
	default:
		// The debounce state machine only needs recent edges.
	}
}

// WaitForEdge blocks until the next edge or context cancellation.
func (g *GPIOEdgeSource) WaitForEdge(ctx context.Context) (Edge, error) {
	select {
	case e := <-g.edges:
		return e, nil
	case <-ctx.Done():
		return Edge{}, ctx.Err()
	}
}

// Close releases the GPIO line.
func (g *GPIOEdgeSource) Close() error {
	return g.line.Close()
}
