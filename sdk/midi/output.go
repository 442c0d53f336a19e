package midi

import (
	"github.com/leandrodaf/midiport/sdk/contracts"
)

// Output enumerates output ports and opens output connections.
type Output struct {
	*handle
}

// NewOutput creates an output handle on the configured backend.
func NewOutput(opts ...contracts.Option) (*Output, error) {
	h, err := newHandle(contracts.Output, opts...)
	if err != nil {
		return nil, err
	}
	return &Output{handle: h}, nil
}

// Connect opens port for sending.
func (out *Output) Connect(port contracts.Port, name string) (*OutputConnection, error) {
	if err := out.checkPort(port); err != nil {
		return nil, err
	}
	if name == "" {
		name = out.opts.ClientName + " output"
	}
	conn := newOutputConnection(out.Backend(), port, name, false, out.logger)
	err := conn.open(func() (contracts.NativeOutput, error) {
		return out.backend.OpenOutput(port, name)
	})
	if err != nil {
		out.logger.Error("Failed to open MIDI output",
			out.logger.Field().String("port", port.String()),
			out.logger.Field().Error("error", err))
		return nil, err
	}
	out.logger.Info("MIDI output connected",
		out.logger.Field().String("port", port.String()),
		out.logger.Field().String("id", port.ID))
	return conn, nil
}

// ConnectVirtual creates a virtual output port other applications can read from.
func (out *Output) ConnectVirtual(name string) (*OutputConnection, error) {
	if err := out.checkVirtual("open virtual output"); err != nil {
		return nil, err
	}
	conn := newOutputConnection(out.Backend(), contracts.Port{}, name, true, out.logger)
	err := conn.open(func() (contracts.NativeOutput, error) {
		return out.backend.OpenVirtualOutput(name)
	})
	if err != nil {
		out.logger.Error("Failed to create virtual MIDI output",
			out.logger.Field().String("name", name),
			out.logger.Field().Error("error", err))
		return nil, err
	}
	out.logger.Info("Virtual MIDI output created", out.logger.Field().String("name", name))
	return conn, nil
}
