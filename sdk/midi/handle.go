package midi

import (
	"sync"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

// handle carries what Input and Output share: the backend, the options and
// the port queries for one direction.
type handle struct {
	backend     contracts.Backend
	opts        contracts.ClientOptions
	logger      contracts.Logger
	dir         contracts.Direction
	ownsBackend bool

	closeOnce sync.Once
	closeErr  error
}

func newHandle(dir contracts.Direction, opts ...contracts.Option) (*handle, error) {
	options, err := applyDefaultOptions(opts...)
	if err != nil {
		return nil, err
	}
	backend, owned, err := resolveBackend(&options)
	if err != nil {
		options.Logger.Error("Failed to initialize MIDI backend",
			options.Logger.Field().String("backend", options.BackendName),
			options.Logger.Field().Error("error", err))
		return nil, err
	}
	options.Logger.Info("MIDI backend ready",
		options.Logger.Field().String("backend", backend.Name()),
		options.Logger.Field().String("direction", dir.String()))
	return &handle{
		backend:     backend,
		opts:        options,
		logger:      options.Logger,
		dir:         dir,
		ownsBackend: owned,
	}, nil
}

// Backend returns the backend name.
func (h *handle) Backend() string { return h.backend.Name() }

// Capabilities returns the backend capability flags.
func (h *handle) Capabilities() contracts.Capabilities { return h.backend.Capabilities() }

// Ports enumerates the current endpoints. No devices is an empty slice.
func (h *handle) Ports() ([]contracts.Port, error) {
	ports, err := h.backend.Ports(h.dir)
	if err != nil {
		return nil, contracts.AsError("enumerate", err).WithBackend(h.backend.Name())
	}
	if ports == nil {
		ports = []contracts.Port{}
	}
	return ports, nil
}

// PortCount returns the number of endpoints currently available.
func (h *handle) PortCount() (int, error) {
	ports, err := h.Ports()
	if err != nil {
		return 0, err
	}
	return len(ports), nil
}

// PortName returns the current display name of port. It fails with
// ErrInvalidPort when the port is no longer present.
func (h *handle) PortName(port contracts.Port) (string, error) {
	live, err := h.resolve(port)
	if err != nil {
		return "", err
	}
	return live.Name, nil
}

// FindPortByID looks an endpoint up by its backend identifier.
func (h *handle) FindPortByID(id string) (contracts.Port, error) {
	return h.resolve(contracts.Port{Backend: h.backend.Name(), ID: id, Direction: h.dir})
}

func (h *handle) resolve(port contracts.Port) (contracts.Port, error) {
	if err := h.checkPort(port); err != nil {
		return contracts.Port{}, err
	}
	ports, err := h.Ports()
	if err != nil {
		return contracts.Port{}, err
	}
	for _, p := range ports {
		if p.Equal(port) {
			return p, nil
		}
	}
	return contracts.Port{}, contracts.Errorf(contracts.KindInvalidPort, "resolve port", "%q is not available", port.ID).WithBackend(h.backend.Name())
}

func (h *handle) checkPort(port contracts.Port) error {
	if port.Direction != h.dir {
		return contracts.Errorf(contracts.KindInvalidPort, "open", "port %q is an %s port", port.ID, port.Direction).WithBackend(h.backend.Name())
	}
	if port.Backend != "" && port.Backend != h.backend.Name() {
		return contracts.Errorf(contracts.KindInvalidPort, "open", "port %q belongs to backend %q", port.ID, port.Backend).WithBackend(h.backend.Name())
	}
	return nil
}

func (h *handle) checkVirtual(op string) error {
	if !h.backend.Capabilities().Virtual {
		return contracts.Errorf(contracts.KindNotSupported, op, "virtual ports are not available").WithBackend(h.backend.Name())
	}
	return nil
}

// Close releases the backend when this handle created it. Open connections
// must be closed first.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		if !h.ownsBackend {
			return
		}
		if err := h.backend.Close(); err != nil {
			h.closeErr = contracts.AsError("close backend", err).WithBackend(h.backend.Name())
			h.logger.Error("Failed to close MIDI backend", h.logger.Field().Error("error", err))
		}
	})
	return h.closeErr
}
