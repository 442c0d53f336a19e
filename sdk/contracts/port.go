package contracts

import "fmt"

// Direction tells whether a port produces MIDI data for us (Input) or consumes it (Output).
type Direction uint8

const (
	// Input ports are MIDI sources: the application reads from them.
	Input Direction = iota + 1
	// Output ports are MIDI destinations: the application writes to them.
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Port describes a MIDI endpoint as seen by one enumeration call.
//
// A Port is an immutable snapshot. It may become stale when devices are
// plugged or unplugged; opening a stale Port fails with ErrInvalidPort and
// the caller is expected to enumerate again. Name is best effort and may be
// empty or shared by several ports, so it must never be used as identity.
type Port struct {
	Backend      string    // Name of the backend that produced the port.
	ID           string    // Opaque, backend-defined identifier.
	Name         string    // Display name.
	Manufacturer string    // Manufacturer, when the backend reports one.
	Direction    Direction // Input or Output.
}

// Equal reports whether both descriptors identify the same endpoint.
func (p Port) Equal(other Port) bool {
	return p.Backend == other.Backend && p.ID == other.ID && p.Direction == other.Direction
}

func (p Port) String() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name
}
