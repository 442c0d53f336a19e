//go:build darwin
// +build darwin

package mididarwin

import (
	"fmt"
	"sync"
	"time"

	"github.com/leandrodaf/midiport/internal/dispatch"
	"github.com/leandrodaf/midiport/internal/refcount"
	"github.com/leandrodaf/midiport/internal/sysex"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"github.com/youpy/go-coremidi"
	"go.uber.org/multierr"
)

// sharedClient counts the backends using the process-wide CoreMIDI client.
// The binding has no call to dispose a client, so the first one created is
// kept until the process exits and handed out again after the last release.
var (
	sharedMu     sync.Mutex
	sharedClient *refcount.Shared[coremidi.Client]
	liveClient   *coremidi.Client
)

func acquireClient(name string) (*refcount.Shared[coremidi.Client], coremidi.Client, error) {
	sharedMu.Lock()
	if sharedClient == nil {
		sharedClient = refcount.New(func() (coremidi.Client, error) {
			sharedMu.Lock()
			defer sharedMu.Unlock()
			if liveClient != nil {
				return *liveClient, nil
			}
			c, err := coremidi.NewClient(name)
			if err != nil {
				return c, err
			}
			liveClient = &c
			return c, nil
		}, nil)
	}
	s := sharedClient
	sharedMu.Unlock()
	c, err := s.Acquire()
	return s, c, err
}

// ClientMid is the CoreMIDI backend. Callbacks arrive on a CoreMIDI thread.
type ClientMid struct {
	logger contracts.Logger
	shared *refcount.Shared[coremidi.Client]
	client coremidi.Client

	closeOnce sync.Once
	closeErr  error
}

// NewBackend acquires the CoreMIDI client. It fails with ErrBackendUnavailable
// when the MIDI server cannot be reached.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	name := options.ClientName
	if options.CoreMIDIConfig != nil && options.CoreMIDIConfig.ClientName != "" {
		name = options.CoreMIDIConfig.ClientName
	}
	shared, client, err := acquireClient(name)
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "create client", err).WithBackend(BackendName)
	}
	options.Logger.Info("MIDI client successfully created",
		options.Logger.Field().String("backend", BackendName),
		options.Logger.Field().String("client", name))
	return &ClientMid{logger: options.Logger, shared: shared, client: client}, nil
}

// Name implements contracts.Backend.
func (m *ClientMid) Name() string { return BackendName }

// Capabilities implements contracts.Backend.
func (m *ClientMid) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{Virtual: true, Threading: contracts.OsDelivered, TimestampUnit: time.Microsecond}
}

// endpointID numbers endpoints sharing a display name so equal names keep
// distinct identities.
func endpointID(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	return fmt.Sprintf("%s#%d", name, n)
}

// Ports implements contracts.Backend.
func (m *ClientMid) Ports(dir contracts.Direction) ([]contracts.Port, error) {
	ports := []contracts.Port{}
	seen := map[string]int{}
	switch dir {
	case contracts.Input:
		sources, err := coremidi.AllSources()
		if err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "enumerate", err).WithBackend(BackendName)
		}
		for _, source := range sources {
			entity := source.Entity()
			ports = append(ports, contracts.Port{
				Backend:      BackendName,
				ID:           endpointID(seen, source.Name()),
				Name:         source.Name(),
				Manufacturer: entity.Manufacturer(),
				Direction:    contracts.Input,
			})
		}
	case contracts.Output:
		destinations, err := coremidi.AllDestinations()
		if err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "enumerate", err).WithBackend(BackendName)
		}
		for _, destination := range destinations {
			entity := destination.Entity()
			ports = append(ports, contracts.Port{
				Backend:      BackendName,
				ID:           endpointID(seen, destination.Name()),
				Name:         destination.Name(),
				Manufacturer: entity.Manufacturer(),
				Direction:    contracts.Output,
			})
		}
	}
	return ports, nil
}

func (m *ClientMid) findSource(port contracts.Port) (coremidi.Source, error) {
	sources, err := coremidi.AllSources()
	if err != nil {
		return coremidi.Source{}, contracts.NewError(contracts.KindBackendUnavailable, "open input", err).WithBackend(BackendName)
	}
	seen := map[string]int{}
	for _, source := range sources {
		if endpointID(seen, source.Name()) == port.ID {
			return source, nil
		}
	}
	return coremidi.Source{}, contracts.Errorf(contracts.KindInvalidPort, "open input", "source %q not found", port.ID).WithBackend(BackendName)
}

func (m *ClientMid) findDestination(port contracts.Port) (coremidi.Destination, error) {
	destinations, err := coremidi.AllDestinations()
	if err != nil {
		return coremidi.Destination{}, contracts.NewError(contracts.KindBackendUnavailable, "open output", err).WithBackend(BackendName)
	}
	seen := map[string]int{}
	for _, destination := range destinations {
		if endpointID(seen, destination.Name()) == port.ID {
			return destination, nil
		}
	}
	return coremidi.Destination{}, contracts.Errorf(contracts.KindInvalidPort, "open output", "destination %q not found", port.ID).WithBackend(BackendName)
}

// receiver adapts CoreMIDI packets to a sink. Packets may hold several
// messages; the splitter cuts them apart.
type receiver struct {
	mu       sync.Mutex
	sink     contracts.Sink
	clock    *dispatch.Clock
	splitter sysex.Splitter
	closed   bool
}

func newReceiver(sink contracts.Sink) *receiver {
	return &receiver{sink: sink, clock: dispatch.NewClock()}
}

// handleMIDIMessage is the read proc of input ports.
func (r *receiver) handleMIDIMessage(_ coremidi.Source, packet coremidi.Packet) {
	r.receive(packet)
}

// receive is the read proc of virtual destinations, which carry no source.
func (r *receiver) receive(packet coremidi.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	ts := r.clock.Now()
	r.splitter.Write(packet.Data, func(msg []byte) {
		r.sink.Deliver(ts, msg)
	})
}

func (r *receiver) stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type inputConn struct {
	recv     *receiver
	portConn interface{ Disconnect() }
	once     sync.Once
}

// OpenInput implements contracts.Backend.
func (m *ClientMid) OpenInput(port contracts.Port, name string, sink contracts.Sink) (contracts.NativeInput, error) {
	source, err := m.findSource(port)
	if err != nil {
		return nil, err
	}
	recv := newReceiver(sink)
	inputPort, err := coremidi.NewInputPort(m.client, name, recv.handleMIDIMessage)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConnectionFailed, "create input port", err).WithBackend(BackendName)
	}
	portConn, err := inputPort.Connect(source)
	if err != nil {
		// The port itself cannot be disposed through the binding; it stays
		// unconnected until the client goes away.
		return nil, contracts.NewError(contracts.KindConnectionFailed, "connect source", err).WithBackend(BackendName)
	}
	m.logger.Debug("CoreMIDI source connected", m.logger.Field().String("source", source.Name()))
	return &inputConn{recv: recv, portConn: portConn}, nil
}

// Close disconnects the source. Once recv is stopped no new delivery starts;
// one already running holds recv.mu, so stop waits for it.
func (c *inputConn) Close() error {
	c.once.Do(func() {
		c.portConn.Disconnect()
		c.recv.stop()
	})
	return nil
}

type virtualInput struct {
	recv        *receiver
	destination coremidi.Destination
	once        sync.Once
}

// OpenVirtualInput creates a CoreMIDI destination other applications can send to.
func (m *ClientMid) OpenVirtualInput(name string, sink contracts.Sink) (contracts.NativeInput, error) {
	recv := newReceiver(sink)
	destination, err := coremidi.NewDestination(m.client, name, recv.receive)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConnectionFailed, "create destination", err).WithBackend(BackendName)
	}
	return &virtualInput{recv: recv, destination: destination}, nil
}

func (v *virtualInput) Close() error {
	v.once.Do(func() {
		v.recv.stop()
		v.destination.Dispose()
	})
	return nil
}

// closedOutput guards Send on outputs whose CoreMIDI objects the binding
// cannot dispose.
type closedOutput struct {
	mu     sync.Mutex
	closed bool
}

func (c *closedOutput) check() error {
	if c.closed {
		return contracts.Errorf(contracts.KindDisconnected, "send", "output is closed").WithBackend(BackendName)
	}
	return nil
}

func (c *closedOutput) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type outputConn struct {
	closedOutput
	port        coremidi.OutputPort
	destination coremidi.Destination
}

// OpenOutput implements contracts.Backend.
func (m *ClientMid) OpenOutput(port contracts.Port, name string) (contracts.NativeOutput, error) {
	destination, err := m.findDestination(port)
	if err != nil {
		return nil, err
	}
	outputPort, err := coremidi.NewOutputPort(m.client, name)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConnectionFailed, "create output port", err).WithBackend(BackendName)
	}
	return &outputConn{port: outputPort, destination: destination}, nil
}

func (o *outputConn) Send(msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.check(); err != nil {
		return err
	}
	packet := coremidi.NewPacket(msg, 0)
	if err := packet.Send(&o.port, &o.destination); err != nil {
		return contracts.NewError(contracts.KindDisconnected, "send", err).WithBackend(BackendName)
	}
	return nil
}

type virtualOutput struct {
	closedOutput
	source coremidi.Source
}

// OpenVirtualOutput creates a CoreMIDI source other applications can read from.
func (m *ClientMid) OpenVirtualOutput(name string) (contracts.NativeOutput, error) {
	source, err := coremidi.NewSource(m.client, name)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConnectionFailed, "create source", err).WithBackend(BackendName)
	}
	return &virtualOutput{source: source}, nil
}

func (v *virtualOutput) Send(msg []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.check(); err != nil {
		return err
	}
	packet := coremidi.NewPacket(msg, 0)
	if err := packet.Received(&v.source); err != nil {
		return contracts.NewError(contracts.KindDisconnected, "send", err).WithBackend(BackendName)
	}
	return nil
}

// Close releases this backend's hold on the shared CoreMIDI client.
func (m *ClientMid) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = multierr.Append(m.closeErr, m.shared.Release())
	})
	return m.closeErr
}
