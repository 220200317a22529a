// Package transport defines the boundary to the physical vehicle bus.
//
// The real CAN/J2534 driver lives outside this repository; engines only
// see this interface. The package also provides an in-memory bench
// transport (a scripted ECU responder) and a recording wrapper used by
// tests to prove that simulated operations never reach the bus.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrNotOpen is returned by Exchange before Open succeeds.
var ErrNotOpen = errors.New("transport not open")

// ErrNoResponse signals "bus is up but the ECU stayed silent". Engines
// translate it into their NoVehicleResponse error kind.
var ErrNoResponse = errors.New("no response from ECU")

// Transport is one exclusive connection to a vehicle bus. A transport
// handle is owned by exactly one engine; there is no cross-engine
// sharing.
type Transport interface {
	// Open establishes the link to the interface hardware.
	Open(ctx context.Context) error

	// Close releases the link.
	Close() error

	// Exchange sends one request frame and returns the response frame.
	Exchange(ctx context.Context, req []byte) ([]byte, error)
}

// Handler produces the bench ECU's response for one request frame.
type Handler func(req []byte) ([]byte, error)

// Bench is an in-memory transport backed by a response handler. Used
// by tests and the CLI's offline mode.
type Bench struct {
	mu      sync.Mutex
	open    bool
	handler Handler
}

// NewBench creates a bench transport answering with the given handler.
func NewBench(handler Handler) *Bench {
	return &Bench{handler: handler}
}

// Open marks the bench link established.
func (b *Bench) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = true
	return nil
}

// Close marks the bench link released.
func (b *Bench) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	return nil
}

// Exchange runs the handler against the request frame.
func (b *Bench) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	b.mu.Lock()
	open := b.open
	handler := b.handler
	b.mu.Unlock()

	if !open {
		return nil, ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return handler(req)
}

// Unreachable is a transport whose Open always fails, simulating a
// missing interface cable.
type Unreachable struct{}

func (Unreachable) Open(ctx context.Context) error { return errors.New("interface not present") }
func (Unreachable) Close() error                   { return nil }
func (Unreachable) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	return nil, ErrNotOpen
}

// Recorder wraps a transport and counts every frame that crosses it.
// Tests assert zero exchanges to prove SIMULATE never touches hardware.
type Recorder struct {
	Inner Transport

	mu     sync.Mutex
	frames [][]byte
}

// NewRecorder wraps the given transport.
func NewRecorder(inner Transport) *Recorder {
	return &Recorder{Inner: inner}
}

func (r *Recorder) Open(ctx context.Context) error { return r.Inner.Open(ctx) }
func (r *Recorder) Close() error                   { return r.Inner.Close() }

// Exchange records the request frame before delegating.
func (r *Recorder) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	r.mu.Lock()
	frame := make([]byte, len(req))
	copy(frame, req)
	r.frames = append(r.frames, frame)
	r.mu.Unlock()

	return r.Inner.Exchange(ctx, req)
}

// Exchanges returns the number of frames sent so far.
func (r *Recorder) Exchanges() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Frames returns copies of all recorded request frames.
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	for i, f := range r.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
