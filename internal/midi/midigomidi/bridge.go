// Package midigomidi adapts any gomidi driver to the backend contract, so the
// drivers maintained by the gomidi project can stand in for a native backend.
package midigomidi

import (
	"fmt"
	"sync"
	"time"

	"github.com/leandrodaf/midiport/internal/dispatch"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"gitlab.com/gomidi/midi/v2/drivers"
	"go.uber.org/multierr"
)

type virtualDriver interface {
	OpenVirtualIn(name string) (drivers.In, error)
	OpenVirtualOut(name string) (drivers.Out, error)
}

// Bridge is a backend over a drivers.Driver.
type Bridge struct {
	name    string
	logger  contracts.Logger
	driver  drivers.Driver
	release func() error

	mu     sync.Mutex
	inputs map[*bridgeInput]struct{}
	closed bool
}

// NewBridge wraps driver under the given backend name. release is called by
// Close instead of closing the driver when the driver is shared.
func NewBridge(name string, driver drivers.Driver, logger contracts.Logger, release func() error) *Bridge {
	if release == nil {
		release = driver.Close
	}
	return &Bridge{
		name:    name,
		logger:  logger,
		driver:  driver,
		release: release,
		inputs:  map[*bridgeInput]struct{}{},
	}
}

// Name implements contracts.Backend.
func (b *Bridge) Name() string { return b.name }

// Capabilities implements contracts.Backend. Virtual ports are available when
// the driver can open them.
func (b *Bridge) Capabilities() contracts.Capabilities {
	_, virtual := b.driver.(virtualDriver)
	return contracts.Capabilities{Virtual: virtual, Threading: contracts.OsDelivered, TimestampUnit: time.Millisecond}
}

func portID(p drivers.Port) string {
	return fmt.Sprintf("%d:%s", p.Number(), p.String())
}

// Ports implements contracts.Backend.
func (b *Bridge) Ports(dir contracts.Direction) ([]contracts.Port, error) {
	ports := []contracts.Port{}
	switch dir {
	case contracts.Input:
		ins, err := b.driver.Ins()
		if err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "enumerate", err).WithBackend(b.name)
		}
		for _, in := range ins {
			ports = append(ports, contracts.Port{Backend: b.name, ID: portID(in), Name: in.String(), Direction: dir})
		}
	case contracts.Output:
		outs, err := b.driver.Outs()
		if err != nil {
			return nil, contracts.NewError(contracts.KindBackendUnavailable, "enumerate", err).WithBackend(b.name)
		}
		for _, out := range outs {
			ports = append(ports, contracts.Port{Backend: b.name, ID: portID(out), Name: out.String(), Direction: dir})
		}
	}
	return ports, nil
}

func (b *Bridge) findIn(port contracts.Port) (drivers.In, error) {
	ins, err := b.driver.Ins()
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "open input", err).WithBackend(b.name)
	}
	for _, in := range ins {
		if portID(in) == port.ID {
			return in, nil
		}
	}
	return nil, contracts.Errorf(contracts.KindInvalidPort, "open input", "%q is not present", port.ID).WithBackend(b.name)
}

func (b *Bridge) findOut(port contracts.Port) (drivers.Out, error) {
	outs, err := b.driver.Outs()
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "open output", err).WithBackend(b.name)
	}
	for _, out := range outs {
		if portID(out) == port.ID {
			return out, nil
		}
	}
	return nil, contracts.Errorf(contracts.KindInvalidPort, "open output", "%q is not present", port.ID).WithBackend(b.name)
}

type bridgeInput struct {
	bridge *Bridge
	port   drivers.In
	sink   contracts.Sink
	clock  *dispatch.Clock
	stop   func()

	mu     sync.Mutex // held while delivering
	closed bool
	once   sync.Once
}

func (in *bridgeInput) receive(msg []byte, milliseconds int32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || len(msg) == 0 {
		return
	}
	var ts uint64
	if milliseconds >= 0 {
		ts = in.clock.Observe(uint64(milliseconds) * 1000)
	} else {
		ts = in.clock.Now()
	}
	in.sink.Deliver(ts, msg)
}

func (in *bridgeInput) fail(err error) {
	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()
	if !closed {
		in.sink.Disconnected(contracts.NewError(contracts.KindDisconnected, "listen", err).WithBackend(in.bridge.name))
	}
}

func (b *Bridge) listen(op string, port drivers.In, sink contracts.Sink) (contracts.NativeInput, error) {
	if !port.IsOpen() {
		if err := port.Open(); err != nil {
			return nil, contracts.NewError(contracts.KindConnectionFailed, op, err).WithBackend(b.name)
		}
	}
	in := &bridgeInput{bridge: b, port: port, sink: sink, clock: dispatch.NewClock()}
	stop, err := port.Listen(in.receive, drivers.ListenConfig{
		SysEx:       true,
		TimeCode:    true,
		ActiveSense: true,
		OnErr:       in.fail,
	})
	if err != nil {
		port.Close()
		return nil, contracts.NewError(contracts.KindConnectionFailed, op, err).WithBackend(b.name)
	}
	in.stop = stop

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		in.Close()
		return nil, contracts.Errorf(contracts.KindBackendUnavailable, op, "backend closed").WithBackend(b.name)
	}
	b.inputs[in] = struct{}{}
	b.mu.Unlock()
	return in, nil
}

// OpenInput implements contracts.Backend.
func (b *Bridge) OpenInput(port contracts.Port, name string, sink contracts.Sink) (contracts.NativeInput, error) {
	in, err := b.findIn(port)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("gomidi input opening",
		b.logger.Field().String("port", in.String()),
		b.logger.Field().String("name", name))
	return b.listen("open input", in, sink)
}

// OpenVirtualInput implements contracts.Backend.
func (b *Bridge) OpenVirtualInput(name string, sink contracts.Sink) (contracts.NativeInput, error) {
	vd, ok := b.driver.(virtualDriver)
	if !ok {
		return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual input", "%s has no virtual ports", b.driver.String()).WithBackend(b.name)
	}
	in, err := vd.OpenVirtualIn(name)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConnectionFailed, "open virtual input", err).WithBackend(b.name)
	}
	return b.listen("open virtual input", in, sink)
}

// Close stops the listener, then waits for a delivery in progress.
func (in *bridgeInput) Close() error {
	var err error
	in.once.Do(func() {
		if in.stop != nil {
			in.stop()
		}
		in.mu.Lock()
		in.closed = true
		in.mu.Unlock()
		if cerr := in.port.Close(); cerr != nil {
			err = contracts.NewError(contracts.KindOther, "close input", cerr).WithBackend(in.bridge.name)
		}
		b := in.bridge
		b.mu.Lock()
		delete(b.inputs, in)
		b.mu.Unlock()
	})
	return err
}

type bridgeOutput struct {
	name string
	port drivers.Out
	once sync.Once
}

func (b *Bridge) openOut(op string, port drivers.Out) (contracts.NativeOutput, error) {
	if !port.IsOpen() {
		if err := port.Open(); err != nil {
			return nil, contracts.NewError(contracts.KindConnectionFailed, op, err).WithBackend(b.name)
		}
	}
	return &bridgeOutput{name: b.name, port: port}, nil
}

// OpenOutput implements contracts.Backend.
func (b *Bridge) OpenOutput(port contracts.Port, name string) (contracts.NativeOutput, error) {
	out, err := b.findOut(port)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("gomidi output opening",
		b.logger.Field().String("port", out.String()),
		b.logger.Field().String("name", name))
	return b.openOut("open output", out)
}

// OpenVirtualOutput implements contracts.Backend.
func (b *Bridge) OpenVirtualOutput(name string) (contracts.NativeOutput, error) {
	vd, ok := b.driver.(virtualDriver)
	if !ok {
		return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual output", "%s has no virtual ports", b.driver.String()).WithBackend(b.name)
	}
	out, err := vd.OpenVirtualOut(name)
	if err != nil {
		return nil, contracts.NewError(contracts.KindConnectionFailed, "open virtual output", err).WithBackend(b.name)
	}
	return b.openOut("open virtual output", out)
}

func (o *bridgeOutput) Send(msg []byte) error {
	if !o.port.IsOpen() {
		return contracts.Errorf(contracts.KindDisconnected, "send", "%s is closed", o.port.String()).WithBackend(o.name)
	}
	if err := o.port.Send(msg); err != nil {
		return contracts.NewError(contracts.KindDisconnected, "send", err).WithBackend(o.name)
	}
	return nil
}

func (o *bridgeOutput) Close() error {
	var err error
	o.once.Do(func() {
		if cerr := o.port.Close(); cerr != nil {
			err = contracts.NewError(contracts.KindOther, "close output", cerr).WithBackend(o.name)
		}
	})
	return err
}

// Close closes the inputs still open and releases the driver.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := make([]*bridgeInput, 0, len(b.inputs))
	for in := range b.inputs {
		open = append(open, in)
	}
	b.mu.Unlock()

	var err error
	for _, in := range open {
		err = multierr.Append(err, in.Close())
	}
	if rerr := b.release(); rerr != nil {
		err = multierr.Append(err, contracts.NewError(contracts.KindOther, "close driver", rerr).WithBackend(b.name))
	}
	return err
}
