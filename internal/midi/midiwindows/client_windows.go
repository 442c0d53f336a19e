//go:build windows
// +build windows

package midiwindows

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/leandrodaf/midiport/sdk/contracts"
	"go.uber.org/multierr"
	"golang.org/x/sys/windows"
)

// Constants for callback flags
const (
	CALLBACK_FUNCTION = 0x00030000 // Indicates that the callback is a function
	MIDI_IO_STATUS    = 0x00000020 // MIDI input/output status
)

// Constants for MIDI message types
const (
	MIM_OPEN      = 0x3C1 // MIDI device opened
	MIM_CLOSE     = 0x3C2 // MIDI device closed
	MIM_DATA      = 0x3C3 // MIDI data received
	MIM_LONGDATA  = 0x3C4 // SysEx buffer filled
	MIM_ERROR     = 0x3C5 // MIDI error
	MIM_LONGERROR = 0x3C6 // Long MIDI error
	MIM_MOREDATA  = 0x3CC // More MIDI data available
)

// Native result codes mapped onto the error taxonomy.
const (
	MMSYSERR_NOERROR     = 0
	MMSYSERR_BADDEVICEID = 2
	MMSYSERR_ALLOCATED   = 4
	MMSYSERR_INVALHANDLE = 5
	MMSYSERR_NODRIVER    = 6
	MMSYSERR_NOMEM       = 7
	MIDIERR_STILLPLAYING = 65
	MIDIERR_NOTREADY     = 67
	MIDIERR_NODEVICE     = 68
)

const (
	sysExBufferSize  = 1024
	sysExBufferCount = 4
	notReadyRetries  = 100
)

// Struct representing MIDI device capabilities
type midiInCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	dwSupport      uint32
}

type midiOutCaps struct {
	wMid           uint16
	wPid           uint16
	vDriverVersion uint32
	szPname        [32]uint16
	wTechnology    uint16
	wVoices        uint16
	wNotes         uint16
	wChannelMask   uint16
	dwSupport      uint32
}

// midiHdr mirrors MIDIHDR.
type midiHdr struct {
	lpData          uintptr
	dwBufferLength  uint32
	dwBytesRecorded uint32
	dwUser          uintptr
	dwFlags         uint32
	lpNext          uintptr
	reserved        uintptr
	dwOffset        uint32
	dwReserved      [8]uintptr
}

// Load the winmm.dll library and required functions
var (
	winmm                     = windows.NewLazySystemDLL("winmm.dll")
	procMidiInGetNumDevs      = winmm.NewProc("midiInGetNumDevs")
	procMidiInGetDevCaps      = winmm.NewProc("midiInGetDevCapsW")
	procMidiInOpen            = winmm.NewProc("midiInOpen")
	procMidiInStart           = winmm.NewProc("midiInStart")
	procMidiInStop            = winmm.NewProc("midiInStop")
	procMidiInReset           = winmm.NewProc("midiInReset")
	procMidiInClose           = winmm.NewProc("midiInClose")
	procMidiInPrepareHeader   = winmm.NewProc("midiInPrepareHeader")
	procMidiInUnprepareHeader = winmm.NewProc("midiInUnprepareHeader")
	procMidiInAddBuffer       = winmm.NewProc("midiInAddBuffer")
	procMidiInGetErrorText    = winmm.NewProc("midiInGetErrorTextW")

	procMidiOutGetNumDevs      = winmm.NewProc("midiOutGetNumDevs")
	procMidiOutGetDevCaps      = winmm.NewProc("midiOutGetDevCapsW")
	procMidiOutOpen            = winmm.NewProc("midiOutOpen")
	procMidiOutClose           = winmm.NewProc("midiOutClose")
	procMidiOutReset           = winmm.NewProc("midiOutReset")
	procMidiOutShortMsg        = winmm.NewProc("midiOutShortMsg")
	procMidiOutLongMsg         = winmm.NewProc("midiOutLongMsg")
	procMidiOutPrepareHeader   = winmm.NewProc("midiOutPrepareHeader")
	procMidiOutUnprepareHeader = winmm.NewProc("midiOutUnprepareHeader")
	procMidiOutGetErrorText    = winmm.NewProc("midiOutGetErrorTextW")
)

// A Go callback slot is a scarce resource, so one callback serves every
// input. The instance value is a connection id, never a Go pointer.
var (
	callbackOnce sync.Once
	callbackPtr  uintptr

	registryMu sync.RWMutex
	registry   = map[uintptr]*winInput{}
	nextID     atomic.Uintptr
)

func inputCallback() uintptr {
	callbackOnce.Do(func() { callbackPtr = windows.NewCallback(midiInCallback) })
	return callbackPtr
}

// ClientMid is the WinMM backend. Callbacks arrive on a driver thread.
type ClientMid struct {
	logger contracts.Logger

	mu     sync.Mutex
	inputs map[*winInput]struct{}
	closed bool
}

// NewBackend checks that winmm.dll is loadable.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	if err := winmm.Load(); err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "load winmm.dll", err).WithBackend(BackendName)
	}
	options.Logger.Info("MIDI client created for Windows")
	return &ClientMid{logger: options.Logger, inputs: map[*winInput]struct{}{}}, nil
}

// Name implements contracts.Backend.
func (m *ClientMid) Name() string { return BackendName }

// Capabilities implements contracts.Backend.
func (m *ClientMid) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{
		Virtual:        false,
		Threading:      contracts.OsDelivered,
		SysExChunkSize: sysExBufferSize,
		TimestampUnit:  time.Millisecond,
	}
}

// translate maps an MMRESULT onto the error taxonomy.
func translate(op string, code uintptr, errorText *windows.LazyProc) error {
	switch code {
	case MMSYSERR_NOERROR:
		return nil
	case MMSYSERR_BADDEVICEID:
		return contracts.Errorf(contracts.KindInvalidPort, op, "bad device id").WithBackend(BackendName)
	case MMSYSERR_ALLOCATED:
		return contracts.Errorf(contracts.KindConnectionFailed, op, "device already in use").WithBackend(BackendName)
	case MMSYSERR_NODRIVER:
		return contracts.Errorf(contracts.KindBackendUnavailable, op, "no driver installed").WithBackend(BackendName)
	case MMSYSERR_INVALHANDLE, MIDIERR_NODEVICE:
		return contracts.Errorf(contracts.KindDisconnected, op, "device is gone").WithBackend(BackendName)
	}
	return contracts.Native(op, int(code), errorString(code, errorText)).WithBackend(BackendName)
}

func errorString(code uintptr, errorText *windows.LazyProc) string {
	var buf [256]uint16
	r, _, _ := errorText.Call(code, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if r != MMSYSERR_NOERROR {
		return fmt.Sprintf("MMRESULT %d", code)
	}
	return windows.UTF16ToString(buf[:])
}

func portID(index uint32, name string) string {
	return strconv.FormatUint(uint64(index), 10) + ":" + name
}

// Ports lists the available MIDI devices
func (m *ClientMid) Ports(dir contracts.Direction) ([]contracts.Port, error) {
	ports := []contracts.Port{}
	switch dir {
	case contracts.Input:
		r0, _, _ := procMidiInGetNumDevs.Call()
		for i := uint32(0); i < uint32(r0); i++ {
			name, manufacturer, err := inCaps(i)
			if err != nil {
				m.logger.Warn("Failed to get information for MIDI input",
					m.logger.Field().Int("index", int(i)),
					m.logger.Field().Error("error", err))
				continue
			}
			ports = append(ports, contracts.Port{Backend: BackendName, ID: portID(i, name), Name: name, Manufacturer: manufacturer, Direction: contracts.Input})
		}
	case contracts.Output:
		r0, _, _ := procMidiOutGetNumDevs.Call()
		for i := uint32(0); i < uint32(r0); i++ {
			name, manufacturer, err := outCaps(i)
			if err != nil {
				m.logger.Warn("Failed to get information for MIDI output",
					m.logger.Field().Int("index", int(i)),
					m.logger.Field().Error("error", err))
				continue
			}
			ports = append(ports, contracts.Port{Backend: BackendName, ID: portID(i, name), Name: name, Manufacturer: manufacturer, Direction: contracts.Output})
		}
	}
	return ports, nil
}

func inCaps(i uint32) (string, string, error) {
	var caps midiInCaps
	r, _, _ := procMidiInGetDevCaps.Call(uintptr(i), uintptr(unsafe.Pointer(&caps)), unsafe.Sizeof(caps))
	if err := translate("get input caps", r, procMidiInGetErrorText); err != nil {
		return "", "", err
	}
	return windows.UTF16ToString(caps.szPname[:]), fmt.Sprintf("MID: %d PID: %d", caps.wMid, caps.wPid), nil
}

func outCaps(i uint32) (string, string, error) {
	var caps midiOutCaps
	r, _, _ := procMidiOutGetDevCaps.Call(uintptr(i), uintptr(unsafe.Pointer(&caps)), unsafe.Sizeof(caps))
	if err := translate("get output caps", r, procMidiOutGetErrorText); err != nil {
		return "", "", err
	}
	return windows.UTF16ToString(caps.szPname[:]), fmt.Sprintf("MID: %d PID: %d", caps.wMid, caps.wPid), nil
}

// resolve checks that the index in a port id still names the same device.
// WinMM renumbers devices on hot-plug, so a changed name means a stale port.
func resolve(port contracts.Port) (uint32, error) {
	idx, name, ok := strings.Cut(port.ID, ":")
	n, err := strconv.ParseUint(idx, 10, 32)
	if !ok || err != nil {
		return 0, contracts.Errorf(contracts.KindInvalidPort, "resolve port", "malformed id %q", port.ID).WithBackend(BackendName)
	}
	var current string
	if port.Direction == contracts.Input {
		current, _, err = inCaps(uint32(n))
	} else {
		current, _, err = outCaps(uint32(n))
	}
	if err != nil || current != name {
		return 0, contracts.Errorf(contracts.KindInvalidPort, "resolve port", "%q is no longer present", port.ID).WithBackend(BackendName)
	}
	return uint32(n), nil
}

// winInput is one open midiIn handle with its SysEx buffers.
type winInput struct {
	id      uintptr
	backend *ClientMid
	sink    contracts.Sink
	handle  uintptr
	hdrs    [sysExBufferCount]midiHdr
	bufs    [sysExBufferCount][sysExBufferSize]byte
	pinner  runtime.Pinner
	closing atomic.Bool
	once    sync.Once
}

// OpenInput implements contracts.Backend.
func (m *ClientMid) OpenInput(port contracts.Port, name string, sink contracts.Sink) (contracts.NativeInput, error) {
	index, err := resolve(port)
	if err != nil {
		return nil, err
	}
	in := &winInput{id: nextID.Add(1), backend: m, sink: sink}
	registryMu.Lock()
	registry[in.id] = in
	registryMu.Unlock()

	r, _, _ := procMidiInOpen.Call(
		uintptr(unsafe.Pointer(&in.handle)),
		uintptr(index),
		inputCallback(),
		in.id,
		CALLBACK_FUNCTION|MIDI_IO_STATUS,
	)
	if err := translate("open input", r, procMidiInGetErrorText); err != nil {
		in.unregister()
		return nil, err
	}

	in.pinner.Pin(&in.hdrs)
	in.pinner.Pin(&in.bufs)
	for i := range in.hdrs {
		h := &in.hdrs[i]
		h.lpData = uintptr(unsafe.Pointer(&in.bufs[i][0]))
		h.dwBufferLength = sysExBufferSize
		h.dwUser = uintptr(i)
		r, _, _ = procMidiInPrepareHeader.Call(in.handle, uintptr(unsafe.Pointer(h)), unsafe.Sizeof(*h))
		if err := translate("prepare sysex buffer", r, procMidiInGetErrorText); err != nil {
			in.teardown()
			return nil, err
		}
		r, _, _ = procMidiInAddBuffer.Call(in.handle, uintptr(unsafe.Pointer(h)), unsafe.Sizeof(*h))
		if err := translate("add sysex buffer", r, procMidiInGetErrorText); err != nil {
			in.teardown()
			return nil, err
		}
	}

	r, _, _ = procMidiInStart.Call(in.handle)
	if err := translate("start input", r, procMidiInGetErrorText); err != nil {
		in.teardown()
		return nil, err
	}

	m.mu.Lock()
	m.inputs[in] = struct{}{}
	m.mu.Unlock()
	m.logger.Info("MIDI device connected",
		m.logger.Field().String("port", port.ID),
		m.logger.Field().String("name", name))
	return in, nil
}

func (in *winInput) unregister() {
	registryMu.Lock()
	delete(registry, in.id)
	registryMu.Unlock()
}

// teardown stops the device, takes the buffers back and closes the handle.
// midiInClose returns after the driver's last callback.
func (in *winInput) teardown() error {
	in.closing.Store(true)
	var err error
	procMidiInStop.Call(in.handle)
	procMidiInReset.Call(in.handle)
	for i := range in.hdrs {
		r, _, _ := procMidiInUnprepareHeader.Call(in.handle, uintptr(unsafe.Pointer(&in.hdrs[i])), unsafe.Sizeof(in.hdrs[i]))
		err = multierr.Append(err, translate("unprepare sysex buffer", r, procMidiInGetErrorText))
	}
	r, _, _ := procMidiInClose.Call(in.handle)
	err = multierr.Append(err, translate("close input", r, procMidiInGetErrorText))
	in.unregister()
	in.pinner.Unpin()
	return err
}

// Close implements contracts.NativeInput.
func (in *winInput) Close() error {
	var err error
	in.once.Do(func() {
		err = in.teardown()
		in.backend.mu.Lock()
		delete(in.backend.inputs, in)
		in.backend.mu.Unlock()
	})
	return err
}

// midiInCallback processes incoming MIDI messages
func midiInCallback(hMidiIn uintptr, wMsg uint32, dwInstance uintptr, dwParam1 uintptr, dwParam2 uintptr) uintptr {
	registryMu.RLock()
	in := registry[dwInstance]
	registryMu.RUnlock()
	if in == nil {
		return 0
	}

	switch wMsg {
	case MIM_DATA:
		status := byte(dwParam1 & 0xFF)
		n := contracts.MessageLength(status)
		if n == 0 {
			return 0
		}
		msg := [3]byte{status, byte(dwParam1 >> 8), byte(dwParam1 >> 16)}
		in.sink.Deliver(uint64(dwParam2)*1000, msg[:n])

	case MIM_LONGDATA, MIM_LONGERROR:
		for i := range in.hdrs {
			h := &in.hdrs[i]
			if uintptr(unsafe.Pointer(h)) != dwParam1 {
				continue
			}
			// Buffers come back empty while the device is being reset; they must not be re-added then.
			if h.dwBytesRecorded == 0 || in.closing.Load() {
				return 0
			}
			if wMsg == MIM_LONGDATA {
				in.sink.Deliver(uint64(dwParam2)*1000, in.bufs[i][:h.dwBytesRecorded])
			}
			r, _, _ := procMidiInAddBuffer.Call(in.handle, uintptr(unsafe.Pointer(h)), unsafe.Sizeof(*h))
			if err := translate("add sysex buffer", r, procMidiInGetErrorText); err != nil {
				if contracts.KindOf(err) == contracts.KindDisconnected {
					in.sink.Disconnected(err)
				} else {
					in.backend.logger.Error("Failed to requeue SysEx buffer", in.backend.logger.Field().Error("error", err))
				}
			}
			return 0
		}

	case MIM_ERROR:
		in.backend.logger.Debug("Invalid MIDI data received", in.backend.logger.Field().Uint64("data", uint64(dwParam1)))
	}
	return 0
}

// winOutput is one open midiOut handle. Send calls are serialized by the caller.
type winOutput struct {
	handle uintptr
	once   sync.Once
}

// OpenOutput implements contracts.Backend.
func (m *ClientMid) OpenOutput(port contracts.Port, name string) (contracts.NativeOutput, error) {
	index, err := resolve(port)
	if err != nil {
		return nil, err
	}
	out := &winOutput{}
	r, _, _ := procMidiOutOpen.Call(uintptr(unsafe.Pointer(&out.handle)), uintptr(index), 0, 0, 0)
	if err := translate("open output", r, procMidiOutGetErrorText); err != nil {
		return nil, err
	}
	m.logger.Info("MIDI output device connected",
		m.logger.Field().String("port", port.ID),
		m.logger.Field().String("name", name))
	return out, nil
}

func (o *winOutput) Send(msg []byte) error {
	if msg[0] == contracts.SysExStart {
		return o.sendLong(msg)
	}
	if len(msg) > 3 {
		return contracts.Errorf(contracts.KindInvalidMessage, "send", "%d byte message is neither SysEx nor a short message", len(msg)).WithBackend(BackendName)
	}
	var packed uintptr
	for i, b := range msg {
		packed |= uintptr(b) << (8 * i)
	}
	var r uintptr
	for attempt := 0; attempt < notReadyRetries; attempt++ {
		r, _, _ = procMidiOutShortMsg.Call(o.handle, packed)
		if r != MIDIERR_NOTREADY {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return translate("send", r, procMidiOutGetErrorText)
}

func (o *winOutput) sendLong(msg []byte) error {
	buf := append([]byte(nil), msg...)
	var pinner runtime.Pinner
	defer pinner.Unpin()
	hdr := &midiHdr{lpData: uintptr(unsafe.Pointer(&buf[0])), dwBufferLength: uint32(len(buf))}
	pinner.Pin(&buf[0])
	pinner.Pin(hdr)

	size := unsafe.Sizeof(*hdr)
	r, _, _ := procMidiOutPrepareHeader.Call(o.handle, uintptr(unsafe.Pointer(hdr)), size)
	if err := translate("prepare sysex", r, procMidiOutGetErrorText); err != nil {
		return err
	}
	for attempt := 0; attempt < notReadyRetries; attempt++ {
		r, _, _ = procMidiOutLongMsg.Call(o.handle, uintptr(unsafe.Pointer(hdr)), size)
		if r != MIDIERR_NOTREADY {
			break
		}
		time.Sleep(time.Millisecond)
	}
	sendErr := translate("send sysex", r, procMidiOutGetErrorText)
	for {
		r, _, _ = procMidiOutUnprepareHeader.Call(o.handle, uintptr(unsafe.Pointer(hdr)), size)
		if r != MIDIERR_STILLPLAYING {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return multierr.Append(sendErr, translate("unprepare sysex", r, procMidiOutGetErrorText))
}

func (o *winOutput) Close() error {
	var err error
	o.once.Do(func() {
		procMidiOutReset.Call(o.handle)
		r, _, _ := procMidiOutClose.Call(o.handle)
		err = translate("close output", r, procMidiOutGetErrorText)
	})
	return err
}

// OpenVirtualInput implements contracts.Backend; WinMM has no virtual ports.
func (m *ClientMid) OpenVirtualInput(string, contracts.Sink) (contracts.NativeInput, error) {
	return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual input", "WinMM has no virtual ports").WithBackend(BackendName)
}

// OpenVirtualOutput implements contracts.Backend; WinMM has no virtual ports.
func (m *ClientMid) OpenVirtualOutput(string) (contracts.NativeOutput, error) {
	return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual output", "WinMM has no virtual ports").WithBackend(BackendName)
}

// Close shuts down inputs still open on this backend.
func (m *ClientMid) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*winInput, 0, len(m.inputs))
	for in := range m.inputs {
		open = append(open, in)
	}
	m.mu.Unlock()

	var err error
	for _, in := range open {
		err = multierr.Append(err, in.Close())
	}
	return err
}
