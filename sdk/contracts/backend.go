package contracts

import (
	"fmt"
	"time"
)

// ThreadingModel tells how a backend invokes its input callbacks.
type ThreadingModel uint8

const (
	// PollingThread backends run their own goroutine that polls the native API.
	PollingThread ThreadingModel = iota + 1
	// OsDelivered backends are called back directly on a thread owned by the OS driver.
	OsDelivered
	// CooperativeEventLoop backends deliver on one shared, non-preemptive event loop.
	CooperativeEventLoop
)

func (m ThreadingModel) String() string {
	switch m {
	case PollingThread:
		return "polling-thread"
	case OsDelivered:
		return "os-delivered"
	case CooperativeEventLoop:
		return "cooperative-event-loop"
	}
	return fmt.Sprintf("threading(%d)", uint8(m))
}

// Capabilities describes what a backend can do and how it behaves.
type Capabilities struct {
	Virtual        bool           // Virtual ports can be created.
	Threading      ThreadingModel // How input callbacks are scheduled.
	SysExChunkSize int            // Fixed driver chunk size for SysEx input, 0 when messages arrive whole.
	TimestampUnit  time.Duration  // Resolution of the timestamps the backend produces.
}

// Sink receives native input for one connection.
//
// Deliver may be called with a complete message or with a SysEx fragment.
// The chunk is only valid for the duration of the call. A backend must never
// call Deliver concurrently for the same Sink from two native threads without
// expecting the calls to be serialized by the Sink.
type Sink interface {
	Deliver(timestamp uint64, chunk []byte)
	Disconnected(err error)
}

// NativeInput is the backend side of an open input connection.
type NativeInput interface {
	// Close unregisters the native callback. It must not return while the
	// backend may still call the Sink from a native thread that it started
	// before Close was called, except for a delivery already in progress.
	Close() error
}

// NativeOutput is the backend side of an open output connection.
type NativeOutput interface {
	// Send hands a complete message to the driver and returns once it was accepted.
	Send(msg []byte) error
	Close() error
}

// Backend is the capability set every platform adapter implements. All
// native divergence stays behind this interface; errors it returns must
// already be translated to *Error.
type Backend interface {
	Name() string
	Capabilities() Capabilities

	// Ports lists the current endpoints. No devices is an empty slice, not an error.
	Ports(dir Direction) ([]Port, error)

	OpenInput(port Port, name string, sink Sink) (NativeInput, error)
	OpenOutput(port Port, name string) (NativeOutput, error)
	OpenVirtualInput(name string, sink Sink) (NativeInput, error)
	OpenVirtualOutput(name string) (NativeOutput, error)

	// Close releases process-wide native resources held by this backend instance.
	Close() error
}

// Callback receives one complete MIDI message. message is only valid during
// the call; copy it to keep it. data is the value given when connecting.
// Blocking in the callback stalls the native driver thread.
type Callback func(timestamp uint64, message []byte, data any)
