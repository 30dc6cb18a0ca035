package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrDispatcherClosed is returned for commands submitted after shutdown.
var ErrDispatcherClosed = errors.New("dispatcher closed")

type command struct {
	fn   func(*Engine) error
	done chan error
}

// Dispatcher serializes all engine access through a single goroutine, so
// the engine itself stays free of locks. Every caller, API handlers and
// ingestion workers alike, submits closures through Do.
type Dispatcher struct {
	engine   *Engine
	commands chan command
	closed   chan struct{}
	log      zerolog.Logger
}

func NewDispatcher(engine *Engine, buffer int, log zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		engine:   engine,
		commands: make(chan command, buffer),
		closed:   make(chan struct{}),
		log:      log,
	}
}

// Run drains commands until ctx is cancelled. Commands already queued at
// cancellation are rejected, not silently dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.closed)

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case cmd := <-d.commands:
			cmd.done <- cmd.fn(d.engine)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case cmd := <-d.commands:
			cmd.done <- ErrDispatcherClosed
		default:
			return
		}
	}
}

// Do runs fn on the engine goroutine and waits for its result.
func (d *Dispatcher) Do(ctx context.Context, fn func(*Engine) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}

	select {
	case <-d.closed:
		return ErrDispatcherClosed
	default:
	}

	select {
	case d.commands <- cmd:
	case <-d.closed:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-d.closed:
		// Run may have exited between accepting the command and its
		// drain pass; check for a late result before giving up.
		select {
		case err := <-cmd.done:
			return err
		default:
			return ErrDispatcherClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoTimeout is Do with a deadline, for callers without a request context.
func (d *Dispatcher) DoTimeout(timeout time.Duration, fn func(*Engine) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Do(ctx, fn)
}
