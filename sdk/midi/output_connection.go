package midi

import (
	"errors"
	"sync"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

// OutputConnection sends complete messages to one port. Send is safe for
// concurrent use; calls are serialized and never queued.
type OutputConnection struct {
	id      uint64
	backend string
	port    contracts.Port
	name    string
	virtual bool
	logger  contracts.Logger

	state stateMachine

	mu     sync.Mutex // guards native and serializes Send and Close
	native contracts.NativeOutput
}

func newOutputConnection(backend string, port contracts.Port, name string, virtual bool, logger contracts.Logger) *OutputConnection {
	return &OutputConnection{
		id:      connectionIDs.Add(1),
		backend: backend,
		port:    port,
		name:    name,
		virtual: virtual,
		logger:  logger,
	}
}

func (c *OutputConnection) open(openFn func() (contracts.NativeOutput, error)) error {
	if !c.state.transition(StateIdle, StateConnecting) {
		return contracts.Errorf(contracts.KindConnectionFailed, "open output", "connection is %s", c.state.Load())
	}
	native, err := openFn()
	if err != nil {
		c.state.transition(StateConnecting, StateFailed)
		return contracts.AsError("open output", err).WithBackend(c.backend)
	}
	c.mu.Lock()
	c.native = native
	c.mu.Unlock()
	c.state.transition(StateConnecting, StateOpen)
	return nil
}

// Send hands msg to the driver and returns once the driver accepted it.
// msg must be one complete message; it is not modified or retained.
func (c *OutputConnection) Send(msg []byte) error {
	if len(msg) == 0 {
		return contracts.Errorf(contracts.KindInvalidMessage, "send", "empty message").WithBackend(c.backend)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Load() != StateOpen || c.native == nil {
		return contracts.Errorf(contracts.KindDisconnected, "send", "connection is %s", c.state.Load()).WithBackend(c.backend)
	}
	if err := c.native.Send(msg); err != nil {
		e := contracts.AsError("send", err).WithBackend(c.backend)
		if errors.Is(e, contracts.ErrDisconnected) {
			c.lost(e)
		}
		return e
	}
	return nil
}

// lost handles a device that went away under an open connection. Callers hold mu.
func (c *OutputConnection) lost(err error) {
	if !c.state.transition(StateOpen, StateClosed) {
		return
	}
	if cerr := c.native.Close(); cerr != nil {
		c.logger.Debug("Ignoring error releasing disconnected MIDI output",
			c.logger.Field().Error("error", cerr))
	}
	c.native = nil
	c.logger.Warn("MIDI output device disconnected",
		c.logger.Field().Uint64("connection", c.id),
		c.logger.Field().String("port", c.port.String()),
		c.logger.Field().Error("error", err))
}

// Close releases the native handle. Calling it again is a no-op.
func (c *OutputConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.transition(StateOpen, StateClosing) {
		return nil
	}
	var err error
	if c.native != nil {
		err = c.native.Close()
		c.native = nil
	}
	c.state.transition(StateClosing, StateClosed)
	c.logger.Debug("MIDI output closed", c.logger.Field().Uint64("connection", c.id))
	if err != nil {
		return contracts.AsError("close output", err).WithBackend(c.backend)
	}
	return nil
}

// State returns the current lifecycle state.
func (c *OutputConnection) State() State { return c.state.Load() }

// Port returns the connected port; it is the zero Port for virtual outputs.
func (c *OutputConnection) Port() contracts.Port { return c.port }

// Name returns the local port name.
func (c *OutputConnection) Name() string { return c.name }

// Virtual reports whether the connection is a virtual output.
func (c *OutputConnection) Virtual() bool { return c.virtual }
