//go:build jack
// +build jack

package midijack

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leandrodaf/midiport/internal/dispatch"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"github.com/xthexder/go-jack"
	"go.uber.org/multierr"
)

// Backend owns one Jack client. The process callback runs on Jack's
// realtime thread and reads an immutable snapshot of the open ports.
type Backend struct {
	logger contracts.Logger
	client *jack.Client

	mu      sync.Mutex // guards registration and closed
	inputs  map[*jackInput]struct{}
	outputs map[*jackOutput]struct{}
	closed  bool

	snapshot atomic.Pointer[portSet]
}

type portSet struct {
	inputs  []*jackInput
	outputs []*jackOutput
}

// NewBackend opens a Jack client without starting a server. It fails with
// ErrBackendUnavailable when no server is running.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	client, status := jack.ClientOpen(options.ClientName, jack.NoStartServer)
	if client == nil || status != 0 {
		return nil, contracts.Errorf(contracts.KindBackendUnavailable, "open client", "jack status %d", status).WithBackend(BackendName)
	}
	b := &Backend{
		logger:  options.Logger,
		client:  client,
		inputs:  map[*jackInput]struct{}{},
		outputs: map[*jackOutput]struct{}{},
	}
	b.snapshot.Store(&portSet{})
	if code := client.SetProcessCallback(b.process); code != 0 {
		client.Close()
		return nil, contracts.Native("set process callback", int(code), "jack refused the process callback").WithBackend(BackendName)
	}
	client.OnShutdown(b.shutdown)
	if code := client.Activate(); code != 0 {
		client.Close()
		return nil, contracts.Native("activate", int(code), "jack refused to activate the client").WithBackend(BackendName)
	}
	options.Logger.Info("Jack client activated", options.Logger.Field().String("client", options.ClientName))
	return b, nil
}

// Name implements contracts.Backend.
func (b *Backend) Name() string { return BackendName }

// Capabilities implements contracts.Backend.
func (b *Backend) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{Virtual: true, Threading: contracts.OsDelivered, TimestampUnit: time.Microsecond}
}

// Ports implements contracts.Backend. Jack sources are ports flagged as
// outputs, sinks are ports flagged as inputs.
func (b *Backend) Ports(dir contracts.Direction) ([]contracts.Port, error) {
	flags := uint64(jack.PortIsOutput)
	if dir == contracts.Output {
		flags = uint64(jack.PortIsInput)
	}
	names := b.client.GetPorts("", jack.DEFAULT_MIDI_TYPE, flags)
	ports := make([]contracts.Port, 0, len(names))
	for _, name := range names {
		ports = append(ports, contracts.Port{Backend: BackendName, ID: name, Name: name, Direction: dir})
	}
	return ports, nil
}

func (b *Backend) exists(port contracts.Port) bool {
	ports, _ := b.Ports(port.Direction)
	for _, p := range ports {
		if p.ID == port.ID {
			return true
		}
	}
	return false
}

// publish rebuilds the snapshot read by the process thread. Callers hold mu.
func (b *Backend) publish() {
	set := &portSet{}
	for in := range b.inputs {
		set.inputs = append(set.inputs, in)
	}
	for out := range b.outputs {
		set.outputs = append(set.outputs, out)
	}
	b.snapshot.Store(set)
}

func (b *Backend) process(nframes uint32) int {
	set := b.snapshot.Load()
	for _, in := range set.inputs {
		in.process(nframes)
	}
	for _, out := range set.outputs {
		out.process(nframes)
	}
	return 0
}

func (b *Backend) shutdown() {
	b.logger.Warn("Jack server shut down")
	b.mu.Lock()
	inputs := make([]*jackInput, 0, len(b.inputs))
	for in := range b.inputs {
		inputs = append(inputs, in)
	}
	for out := range b.outputs {
		out.lost.Store(true)
	}
	b.mu.Unlock()
	for _, in := range inputs {
		in.sink.Disconnected(contracts.Errorf(contracts.KindDisconnected, "input", "jack server shut down").WithBackend(BackendName))
	}
}

func (b *Backend) register(op, name string, flags uint64) (*jack.Port, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, contracts.Errorf(contracts.KindBackendUnavailable, op, "backend closed").WithBackend(BackendName)
	}
	port := b.client.PortRegister(name, jack.DEFAULT_MIDI_TYPE, flags, 0)
	if port == nil {
		return nil, contracts.Errorf(contracts.KindConnectionFailed, op, "cannot register port %q", name).WithBackend(BackendName)
	}
	return port, nil
}

type jackInput struct {
	backend *Backend
	port    *jack.Port
	sink    contracts.Sink
	clock   *dispatch.Clock

	mu     sync.Mutex // held while delivering
	closed bool
	once   sync.Once
}

func (in *jackInput) process(nframes uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	ts := in.clock.Now()
	for _, ev := range in.port.GetMidiEvents(nframes) {
		in.sink.Deliver(ts, ev.Buffer)
	}
}

func (b *Backend) openInput(op, name string, source string, sink contracts.Sink) (contracts.NativeInput, error) {
	port, err := b.register(op, name, uint64(jack.PortIsInput))
	if err != nil {
		return nil, err
	}
	if source != "" {
		if code := b.client.Connect(source, port.GetName()); code != 0 {
			b.client.PortUnregister(port)
			return nil, contracts.Native(op, int(code), fmt.Sprintf("cannot connect %s", source)).WithBackend(BackendName)
		}
	}
	in := &jackInput{backend: b, port: port, sink: sink, clock: dispatch.NewClock()}
	b.mu.Lock()
	b.inputs[in] = struct{}{}
	b.publish()
	b.mu.Unlock()
	return in, nil
}

// OpenInput implements contracts.Backend.
func (b *Backend) OpenInput(port contracts.Port, name string, sink contracts.Sink) (contracts.NativeInput, error) {
	if !b.exists(port) {
		return nil, contracts.Errorf(contracts.KindInvalidPort, "open input", "%q is not present", port.ID).WithBackend(BackendName)
	}
	return b.openInput("open input", name, port.ID, sink)
}

// OpenVirtualInput registers a port other Jack clients can connect to.
func (b *Backend) OpenVirtualInput(name string, sink contracts.Sink) (contracts.NativeInput, error) {
	return b.openInput("open virtual input", name, "", sink)
}

// Close removes the input from the process snapshot and waits for a
// delivery in progress before unregistering the port.
func (in *jackInput) Close() error {
	var err error
	in.once.Do(func() {
		b := in.backend
		b.mu.Lock()
		delete(b.inputs, in)
		b.publish()
		b.mu.Unlock()

		in.mu.Lock()
		in.closed = true
		in.mu.Unlock()

		if code := b.client.PortUnregister(in.port); code != 0 {
			err = contracts.Native("close input", int(code), "cannot unregister port").WithBackend(BackendName)
		}
	})
	return err
}

type jackOutput struct {
	backend *Backend
	port    *jack.Port
	lost    atomic.Bool

	mu      sync.Mutex // held for a whole process cycle
	pending [][]byte
	closed  bool
	once    sync.Once
}

func (out *jackOutput) process(nframes uint32) {
	out.cycle(func() func([]byte) {
		buf := out.port.MidiClearBuffer(nframes)
		return func(msg []byte) {
			out.port.MidiEventWrite(&jack.MidiData{Time: 0, Buffer: msg}, buf)
		}
	})
}

// cycle hands the queued messages to the writer that begin returns. Nothing
// touches the port once the output is closed.
func (out *jackOutput) cycle(begin func() func([]byte)) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return
	}
	write := begin()
	for _, msg := range out.pending {
		write(msg)
	}
	out.pending = nil
}

func (b *Backend) openOutput(op, name, destination string) (contracts.NativeOutput, error) {
	port, err := b.register(op, name, uint64(jack.PortIsOutput))
	if err != nil {
		return nil, err
	}
	if destination != "" {
		if code := b.client.Connect(port.GetName(), destination); code != 0 {
			b.client.PortUnregister(port)
			return nil, contracts.Native(op, int(code), fmt.Sprintf("cannot connect %s", destination)).WithBackend(BackendName)
		}
	}
	out := &jackOutput{backend: b, port: port}
	b.mu.Lock()
	b.outputs[out] = struct{}{}
	b.publish()
	b.mu.Unlock()
	return out, nil
}

// OpenOutput implements contracts.Backend.
func (b *Backend) OpenOutput(port contracts.Port, name string) (contracts.NativeOutput, error) {
	if !b.exists(port) {
		return nil, contracts.Errorf(contracts.KindInvalidPort, "open output", "%q is not present", port.ID).WithBackend(BackendName)
	}
	return b.openOutput("open output", name, port.ID)
}

// OpenVirtualOutput registers a port other Jack clients can read from.
func (b *Backend) OpenVirtualOutput(name string) (contracts.NativeOutput, error) {
	return b.openOutput("open virtual output", name, "")
}

// Send hands msg to the next process cycle.
func (out *jackOutput) Send(msg []byte) error {
	if out.lost.Load() {
		return contracts.Errorf(contracts.KindDisconnected, "send", "jack server shut down").WithBackend(BackendName)
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return contracts.Errorf(contracts.KindDisconnected, "send", "output is closed").WithBackend(BackendName)
	}
	out.pending = append(out.pending, append([]byte(nil), msg...))
	return nil
}

// stop waits for a process cycle in progress and keeps later ones away
// from the port.
func (out *jackOutput) stop() {
	out.mu.Lock()
	out.closed = true
	out.pending = nil
	out.mu.Unlock()
}

func (out *jackOutput) Close() error {
	var err error
	out.once.Do(func() {
		b := out.backend
		b.mu.Lock()
		delete(b.outputs, out)
		b.publish()
		b.mu.Unlock()

		out.stop()

		if code := b.client.PortUnregister(out.port); code != 0 {
			err = contracts.Native("close output", int(code), "cannot unregister port").WithBackend(BackendName)
		}
	})
	return err
}

// Close unregisters every port and closes the Jack client.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	inputs := make([]*jackInput, 0, len(b.inputs))
	for in := range b.inputs {
		inputs = append(inputs, in)
	}
	outputs := make([]*jackOutput, 0, len(b.outputs))
	for out := range b.outputs {
		outputs = append(outputs, out)
	}
	b.mu.Unlock()

	var err error
	for _, in := range inputs {
		err = multierr.Append(err, in.Close())
	}
	for _, out := range outputs {
		err = multierr.Append(err, out.Close())
	}
	if code := b.client.Close(); code != 0 {
		err = multierr.Append(err, contracts.Native("close client", int(code), "jack refused to close the client").WithBackend(BackendName))
	}
	return err
}
