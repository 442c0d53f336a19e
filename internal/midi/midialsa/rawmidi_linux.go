//go:build linux
// +build linux

package midialsa

import (
	"errors"
	"sync"
	"time"

	"github.com/leandrodaf/midiport/internal/dispatch"
	"github.com/leandrodaf/midiport/internal/sysex"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	pollTimeout = 50 * time.Millisecond
	readSize    = 256
)

// Backend is the ALSA rawmidi backend.
type Backend struct {
	logger    contracts.Logger
	deviceDir string
	procDir   string

	mu     sync.Mutex
	inputs map[*rawInput]struct{}
	closed bool
}

// NewBackend creates the backend. It fails with ErrBackendUnavailable when
// the device directory does not exist.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	cfg := contracts.ALSAConfig{DeviceDir: "/dev/snd", ProcDir: "/proc/asound"}
	if options.ALSAConfig != nil {
		if options.ALSAConfig.DeviceDir != "" {
			cfg.DeviceDir = options.ALSAConfig.DeviceDir
		}
		if options.ALSAConfig.ProcDir != "" {
			cfg.ProcDir = options.ALSAConfig.ProcDir
		}
	}
	if _, err := scan(cfg.DeviceDir, cfg.ProcDir); err != nil {
		return nil, err
	}
	options.Logger.Info("ALSA rawmidi backend ready",
		options.Logger.Field().String("device_dir", cfg.DeviceDir))
	return &Backend{
		logger:    options.Logger,
		deviceDir: cfg.DeviceDir,
		procDir:   cfg.ProcDir,
		inputs:    map[*rawInput]struct{}{},
	}, nil
}

// Name implements contracts.Backend.
func (b *Backend) Name() string { return BackendName }

// Capabilities implements contracts.Backend.
func (b *Backend) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{Virtual: false, Threading: contracts.PollingThread, TimestampUnit: time.Microsecond}
}

// Ports implements contracts.Backend.
func (b *Backend) Ports(dir contracts.Direction) ([]contracts.Port, error) {
	devices, err := scan(b.deviceDir, b.procDir)
	if err != nil {
		return nil, err
	}
	ports := []contracts.Port{}
	for _, d := range devices {
		if (dir == contracts.Input && d.input) || (dir == contracts.Output && d.output) {
			ports = append(ports, d.port(dir))
		}
	}
	return ports, nil
}

func (b *Backend) find(op string, port contracts.Port) (device, error) {
	devices, err := scan(b.deviceDir, b.procDir)
	if err != nil {
		return device{}, err
	}
	for _, d := range devices {
		if d.id() == port.ID {
			return d, nil
		}
	}
	return device{}, contracts.Errorf(contracts.KindInvalidPort, op, "%s is not present", port.ID).WithBackend(BackendName)
}

// translate maps errno values onto the error taxonomy.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return contracts.NewError(contracts.KindOther, op, err).WithBackend(BackendName)
	}
	switch errno {
	case unix.ENOENT, unix.ENXIO:
		return contracts.NewError(contracts.KindInvalidPort, op, err).WithBackend(BackendName)
	case unix.EBUSY, unix.EACCES, unix.EPERM:
		return contracts.NewError(contracts.KindConnectionFailed, op, err).WithBackend(BackendName)
	case unix.ENODEV, unix.EIO, unix.EBADF, unix.EPIPE:
		return contracts.NewError(contracts.KindDisconnected, op, err).WithBackend(BackendName)
	}
	e := contracts.Native(op, int(errno), errno.Error()).WithBackend(BackendName)
	e.Err = err
	return e
}

type rawInput struct {
	backend  *Backend
	fd       int
	sink     contracts.Sink
	clock    *dispatch.Clock
	splitter sysex.Splitter
	buf      [readSize]byte
	poller   *dispatch.Poller
	once     sync.Once
}

// OpenInput implements contracts.Backend.
func (b *Backend) OpenInput(port contracts.Port, name string, sink contracts.Sink) (contracts.NativeInput, error) {
	d, err := b.find("open input", port)
	if err != nil {
		return nil, err
	}
	if !d.input {
		return nil, contracts.Errorf(contracts.KindInvalidPort, "open input", "%s has no input", port.ID).WithBackend(BackendName)
	}
	fd, err := unix.Open(d.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, translate("open input", err)
	}
	in := &rawInput{backend: b, fd: fd, sink: sink, clock: dispatch.NewClock()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		unix.Close(fd)
		return nil, contracts.Errorf(contracts.KindBackendUnavailable, "open input", "backend closed").WithBackend(BackendName)
	}
	b.inputs[in] = struct{}{}
	b.mu.Unlock()

	in.poller = dispatch.StartPoller(0, in.poll)
	b.logger.Debug("ALSA rawmidi input opened",
		b.logger.Field().String("device", d.path),
		b.logger.Field().String("name", name))
	return in, nil
}

// poll waits for data with a timeout so Stop is noticed promptly.
func (in *rawInput) poll() bool {
	fds := []unix.PollFd{{Fd: int32(in.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return true
		}
		in.sink.Disconnected(translate("poll", err))
		return false
	}
	if n == 0 {
		return true
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		r, err := unix.Read(in.fd, in.buf[:])
		switch {
		case err == unix.EAGAIN:
			return true
		case err != nil:
			in.sink.Disconnected(translate("read", err))
			return false
		case r > 0:
			ts := in.clock.Now()
			in.splitter.Write(in.buf[:r], func(msg []byte) {
				in.sink.Deliver(ts, msg)
			})
			return true
		}
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		in.sink.Disconnected(contracts.Errorf(contracts.KindDisconnected, "poll", "device hung up").WithBackend(BackendName))
		return false
	}
	return true
}

// Close stops the polling goroutine, then closes the device.
func (in *rawInput) Close() error {
	var err error
	in.once.Do(func() {
		in.poller.Stop()
		err = translate("close input", unix.Close(in.fd))
		in.backend.mu.Lock()
		delete(in.backend.inputs, in)
		in.backend.mu.Unlock()
	})
	return err
}

type rawOutput struct {
	fd   int
	once sync.Once
}

// OpenOutput implements contracts.Backend.
func (b *Backend) OpenOutput(port contracts.Port, name string) (contracts.NativeOutput, error) {
	d, err := b.find("open output", port)
	if err != nil {
		return nil, err
	}
	if !d.output {
		return nil, contracts.Errorf(contracts.KindInvalidPort, "open output", "%s has no output", port.ID).WithBackend(BackendName)
	}
	fd, err := unix.Open(d.path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, translate("open output", err)
	}
	b.logger.Debug("ALSA rawmidi output opened",
		b.logger.Field().String("device", d.path),
		b.logger.Field().String("name", name))
	return &rawOutput{fd: fd}, nil
}

// Send writes the whole message; rawmidi accepts it once it is in the driver buffer.
func (o *rawOutput) Send(msg []byte) error {
	for len(msg) > 0 {
		n, err := unix.Write(o.fd, msg)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return translate("send", err)
		}
		msg = msg[n:]
	}
	return nil
}

func (o *rawOutput) Close() error {
	var err error
	o.once.Do(func() { err = translate("close output", unix.Close(o.fd)) })
	return err
}

// OpenVirtualInput implements contracts.Backend; rawmidi has no virtual ports.
func (b *Backend) OpenVirtualInput(string, contracts.Sink) (contracts.NativeInput, error) {
	return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual input", "rawmidi has no virtual ports").WithBackend(BackendName)
}

// OpenVirtualOutput implements contracts.Backend; rawmidi has no virtual ports.
func (b *Backend) OpenVirtualOutput(string) (contracts.NativeOutput, error) {
	return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual output", "rawmidi has no virtual ports").WithBackend(BackendName)
}

// Close stops every input still open on this backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := make([]*rawInput, 0, len(b.inputs))
	for in := range b.inputs {
		open = append(open, in)
	}
	b.mu.Unlock()

	var err error
	for _, in := range open {
		err = multierr.Append(err, in.Close())
	}
	return err
}
