package midi

import (
	"sync"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

// Input enumerates input ports and opens input connections. One Input can
// open any number of connections, sequentially or at the same time.
type Input struct {
	*handle

	mu     sync.Mutex
	ignore contracts.Ignore
}

// NewInput creates an input handle on the configured backend.
func NewInput(opts ...contracts.Option) (*Input, error) {
	h, err := newHandle(contracts.Input, opts...)
	if err != nil {
		return nil, err
	}
	return &Input{handle: h, ignore: h.opts.Ignore}, nil
}

// Ignore sets the message types dropped by connections opened afterwards.
func (in *Input) Ignore(flags contracts.Ignore) {
	in.mu.Lock()
	in.ignore = flags
	in.mu.Unlock()
}

func (in *Input) currentIgnore() contracts.Ignore {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ignore
}

// Connect opens port and starts calling cb for every complete message.
// name is the local port name for backends that create one.
func (in *Input) Connect(port contracts.Port, name string, cb contracts.Callback, data any) (*InputConnection, error) {
	if cb == nil {
		return nil, contracts.Errorf(contracts.KindConnectionFailed, "open input", "nil callback").WithBackend(in.Backend())
	}
	if err := in.checkPort(port); err != nil {
		return nil, err
	}
	if name == "" {
		name = in.opts.ClientName + " input"
	}
	conn := newInputConnection(in.Backend(), port, name, false, cb, data, &in.opts, in.currentIgnore())
	err := conn.open(func(sink contracts.Sink) (contracts.NativeInput, error) {
		return in.backend.OpenInput(port, name, sink)
	})
	if err != nil {
		in.logger.Error("Failed to open MIDI input",
			in.logger.Field().String("port", port.String()),
			in.logger.Field().Error("error", err))
		return nil, err
	}
	in.logger.Info("MIDI input connected",
		in.logger.Field().String("port", port.String()),
		in.logger.Field().String("id", port.ID))
	return conn, nil
}

// ConnectVirtual creates a virtual input port other applications can send to.
// It fails with ErrNotSupported on backends without virtual ports.
func (in *Input) ConnectVirtual(name string, cb contracts.Callback, data any) (*InputConnection, error) {
	if err := in.checkVirtual("open virtual input"); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, contracts.Errorf(contracts.KindConnectionFailed, "open virtual input", "nil callback").WithBackend(in.Backend())
	}
	conn := newInputConnection(in.Backend(), contracts.Port{}, name, true, cb, data, &in.opts, in.currentIgnore())
	err := conn.open(func(sink contracts.Sink) (contracts.NativeInput, error) {
		return in.backend.OpenVirtualInput(name, sink)
	})
	if err != nil {
		in.logger.Error("Failed to create virtual MIDI input",
			in.logger.Field().String("name", name),
			in.logger.Field().Error("error", err))
		return nil, err
	}
	in.logger.Info("Virtual MIDI input created", in.logger.Field().String("name", name))
	return conn, nil
}
