package contracts

// Status bytes the SDK inspects.
const (
	SysExStart      byte = 0xF0
	TimeCodeQuarter byte = 0xF1
	SysExEnd        byte = 0xF7
	TimingClock     byte = 0xF8
	TimingTick      byte = 0xF9
	ActiveSensing   byte = 0xFE
)

// IsRealTime reports whether b is a System Real-Time byte (0xF8-0xFF).
func IsRealTime(b byte) bool { return b >= 0xF8 }

// IsStatus reports whether b is a status byte.
func IsStatus(b byte) bool { return b&0x80 != 0 }

// Ignore selects message types an input drops before calling back.
type Ignore uint8

const (
	// IgnoreNone delivers every message.
	IgnoreNone Ignore = 0
	// IgnoreSysEx drops System Exclusive messages.
	IgnoreSysEx Ignore = 0x01
	// IgnoreTime drops MIDI time code, clock and tick messages.
	IgnoreTime Ignore = 0x02
	// IgnoreActiveSense drops Active Sensing messages.
	IgnoreActiveSense Ignore = 0x04

	IgnoreAll = IgnoreSysEx | IgnoreTime | IgnoreActiveSense
)

// Has reports whether all bits of other are set.
func (i Ignore) Has(other Ignore) bool { return other != 0 && i&other == other }

// Drops reports whether a complete message must be filtered out.
func (i Ignore) Drops(msg []byte) bool {
	if i == IgnoreNone || len(msg) == 0 {
		return false
	}
	switch msg[0] {
	case SysExStart:
		return i.Has(IgnoreSysEx)
	case TimeCodeQuarter, TimingClock, TimingTick:
		return i.Has(IgnoreTime)
	case ActiveSensing:
		return i.Has(IgnoreActiveSense)
	}
	return false
}

// MessageLength returns the expected length of a message starting with status,
// or 0 for SysEx and undefined status bytes.
func MessageLength(status byte) int {
	switch {
	case status < 0x80:
		return 0
	case status < 0xC0, status >= 0xE0 && status < 0xF0:
		return 3
	case status < 0xE0:
		return 2
	}
	if IsRealTime(status) {
		return 1
	}
	switch status {
	case 0xF1, 0xF3:
		return 2
	case 0xF2:
		return 3
	case 0xF6:
		return 1
	}
	return 0
}
