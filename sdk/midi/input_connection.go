package midi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/leandrodaf/midiport/internal/sysex"
	"github.com/leandrodaf/midiport/sdk/contracts"
)

var connectionIDs atomic.Uint64

// InputConnection is a live subscription to an input port or a virtual input.
//
// The callback runs on a backend thread, never concurrently with itself, in
// native arrival order. Close blocks until the native callback is
// unregistered and any running invocation has returned; after that the
// callback never runs again.
type InputConnection struct {
	id       uint64
	backend  string
	port     contracts.Port
	name     string
	virtual  bool
	logger   contracts.Logger
	callback contracts.Callback
	data     any
	ignore   contracts.Ignore

	state stateMachine

	// deliverMu serializes deliveries and guards reasm and lastTS.
	deliverMu sync.Mutex
	reasm     *sysex.Reassembler
	lastTS    uint64

	closeMu  sync.Mutex // serializes Close
	native   contracts.NativeInput
	released bool

	errMu   sync.Mutex
	lostErr error // set when the device went away
	done    chan struct{}
	doneOne sync.Once
}

func newInputConnection(backend string, port contracts.Port, name string, virtual bool, cb contracts.Callback, data any, o *contracts.ClientOptions, ignore contracts.Ignore) *InputConnection {
	c := &InputConnection{
		id:       connectionIDs.Add(1),
		backend:  backend,
		port:     port,
		name:     name,
		virtual:  virtual,
		logger:   o.Logger,
		callback: cb,
		data:     data,
		ignore:   ignore,
		done:     make(chan struct{}),
	}
	c.reasm = sysex.New(o.MaxSysExSize, c.onSysExDropped)
	return c
}

// open drives Idle -> Connecting -> Open, or Connecting -> Failed.
func (c *InputConnection) open(openFn func(contracts.Sink) (contracts.NativeInput, error)) error {
	if !c.state.transition(StateIdle, StateConnecting) {
		return contracts.Errorf(contracts.KindConnectionFailed, "open input", "connection is %s", c.state.Load())
	}
	c.logState(StateConnecting)

	native, err := openFn(c)
	if err != nil {
		c.state.transition(StateConnecting, StateFailed)
		c.logState(StateFailed)
		// A backend may have delivered before failing; wait for it to finish.
		c.deliverMu.Lock()
		c.reasm.Reset()
		c.deliverMu.Unlock()
		c.finish()
		return contracts.AsError("open input", err).WithBackend(c.backend)
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.native = native

	if !c.state.transition(StateConnecting, StateOpen) {
		// The device went away while the backend was still opening it.
		if err := c.releaseNative(); err != nil {
			c.logger.Debug("Ignoring error releasing disconnected MIDI input",
				c.logger.Field().Error("error", err))
		}
		c.finish()
		if lost := c.Err(); lost != nil {
			return lost
		}
		return contracts.Errorf(contracts.KindConnectionFailed, "open input", "connection is %s", c.state.Load()).WithBackend(c.backend)
	}
	c.logState(StateOpen)
	return nil
}

// Deliver implements contracts.Sink. Backends call it for every native chunk.
func (c *InputConnection) Deliver(timestamp uint64, chunk []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	switch c.state.Load() {
	case StateConnecting, StateOpen:
	default:
		return
	}
	if timestamp < c.lastTS {
		timestamp = c.lastTS
	}
	c.lastTS = timestamp
	c.reasm.Feed(timestamp, chunk, c.emit)
}

// Disconnected implements contracts.Sink. It moves an open connection to
// Closed. A connection still being opened moves to Failed and open reports
// the loss.
func (c *InputConnection) Disconnected(err error) {
	lost := contracts.NewError(contracts.KindDisconnected, "input", err).WithBackend(c.backend)
	c.errMu.Lock()
	var to State
	switch {
	case c.state.transition(StateOpen, StateClosed):
		to = StateClosed
	case c.state.transition(StateConnecting, StateFailed):
		to = StateFailed
	default:
		c.errMu.Unlock()
		return
	}
	c.lostErr = lost
	c.errMu.Unlock()
	c.logState(to)
	c.logger.Warn("MIDI input device disconnected",
		c.logger.Field().Uint64("connection", c.id),
		c.logger.Field().String("port", c.port.String()),
		c.logger.Field().Error("error", err))
	c.finish()
}

func (c *InputConnection) emit(timestamp uint64, msg []byte) {
	if c.ignore.Drops(msg) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("MIDI input callback panicked",
				c.logger.Field().Uint64("connection", c.id),
				c.logger.Field().String("panic", fmt.Sprint(r)))
		}
	}()
	c.callback(timestamp, msg, c.data)
}

func (c *InputConnection) onSysExDropped(partial int, reason string) {
	c.logger.Debug("Dropped incomplete SysEx message",
		c.logger.Field().Uint64("connection", c.id),
		c.logger.Field().Int("bytes", partial),
		c.logger.Field().String("reason", reason))
}

// Close unregisters the callback and waits for a running invocation to finish.
//
// Calling Close again is a no-op. If the device went away while the
// connection was open, the first Close releases the native handle and
// returns an error matching contracts.ErrDisconnected.
// Close must not be called from inside the connection's own callback.
func (c *InputConnection) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.released {
		return nil
	}

	switch c.state.Load() {
	case StateOpen:
		if !c.state.transition(StateOpen, StateClosing) {
			// Lost a race with Disconnected; handled below as Closed.
			return c.releaseLost()
		}
		c.logState(StateClosing)
		err := c.releaseNative()
		c.state.transition(StateClosing, StateClosed)
		c.logState(StateClosed)
		c.finish()
		return err
	case StateClosed:
		return c.releaseLost()
	}
	c.released = true
	return nil
}

func (c *InputConnection) releaseLost() error {
	if err := c.releaseNative(); err != nil {
		c.logger.Debug("Ignoring error releasing disconnected MIDI input",
			c.logger.Field().Error("error", err))
	}
	return c.Err()
}

// releaseNative unregisters the native callback and then waits for an
// in-flight delivery by taking the delivery lock.
func (c *InputConnection) releaseNative() error {
	c.released = true
	var err error
	if c.native != nil {
		err = c.native.Close()
		c.native = nil
	}
	c.deliverMu.Lock()
	c.reasm.Reset()
	c.deliverMu.Unlock()
	if err != nil {
		return contracts.AsError("close input", err).WithBackend(c.backend)
	}
	return nil
}

func (c *InputConnection) finish() {
	c.doneOne.Do(func() { close(c.done) })
}

func (c *InputConnection) logState(s State) {
	c.logger.Debug("MIDI input state changed",
		c.logger.Field().Uint64("connection", c.id),
		c.logger.Field().String("state", s.String()))
}

// State returns the current lifecycle state.
func (c *InputConnection) State() State { return c.state.Load() }

// Done is closed when the connection reaches a terminal state, including
// asynchronously after device removal.
func (c *InputConnection) Done() <-chan struct{} { return c.done }

// Err returns the disconnection error, if the device went away.
func (c *InputConnection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lostErr
}

// Port returns the connected port; it is the zero Port for virtual inputs.
func (c *InputConnection) Port() contracts.Port { return c.port }

// Name returns the local port name given when connecting.
func (c *InputConnection) Name() string { return c.name }

// Virtual reports whether the connection is a virtual input.
func (c *InputConnection) Virtual() bool { return c.virtual }

// Data returns the caller value passed to every callback invocation.
func (c *InputConnection) Data() any { return c.data }
