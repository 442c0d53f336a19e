package sysex

import "github.com/leandrodaf/midiport/sdk/contracts"

// Splitter cuts a raw MIDI byte stream into single messages for backends
// whose driver hands over arbitrary reads (rawmidi) or packed packets
// (CoreMIDI packet lists). SysEx data is forwarded as fragments; a
// Reassembler downstream joins them.
//
// Data bytes following a channel message without a new status byte are
// grouped by the length of the last channel message and passed on as they
// are, without the status byte. A message interleaved with SysEx data is
// passed on whole and the SysEx data resumes after it.
type Splitter struct {
	pending []byte
	need    int
	running byte
	inSysEx bool
	resume  bool // return to SysEx data once the current message is complete
}

// Write consumes chunk and calls emit for each message or SysEx fragment.
// The slice passed to emit is only valid during the call.
func (s *Splitter) Write(chunk []byte, emit func([]byte)) {
	for _, b := range chunk {
		switch {
		case contracts.IsRealTime(b):
			emit([]byte{b})

		case s.inSysEx && b == contracts.SysExEnd:
			s.pending = append(s.pending, b)
			emit(s.pending)
			s.reset()

		case s.inSysEx && !contracts.IsStatus(b):
			s.pending = append(s.pending, b)

		case b == contracts.SysExStart:
			s.flushSysEx(emit)
			s.reset()
			s.resume = false
			s.running = 0
			s.inSysEx = true
			s.pending = append(s.pending, b)

		case b == contracts.SysExEnd:
			// Terminator outside SysEx data.
			if s.resume {
				s.reset()
				s.resume = false
				emit([]byte{b})
				continue
			}
			s.reset()

		case contracts.IsStatus(b):
			if s.inSysEx {
				s.flushSysEx(emit)
				s.resume = true
			}
			s.reset()
			n := contracts.MessageLength(b)
			if b < 0xF0 {
				s.running = b
			} else {
				s.running = 0
			}
			if n <= 1 {
				emit([]byte{b})
				s.resumeSysEx()
				continue
			}
			s.pending = append(s.pending, b)
			s.need = n

		default:
			if s.need == 0 {
				if s.running == 0 {
					continue
				}
				s.need = contracts.MessageLength(s.running) - 1
			}
			s.pending = append(s.pending, b)
			if len(s.pending) == s.need {
				emit(s.pending)
				s.pending = s.pending[:0]
				s.need = 0
				s.resumeSysEx()
			}
		}
	}
	if s.inSysEx && len(s.pending) > 0 {
		emit(s.pending)
		s.pending = s.pending[:0]
	}
}

// flushSysEx hands the SysEx data collected so far on as a fragment.
func (s *Splitter) flushSysEx(emit func([]byte)) {
	if s.inSysEx && len(s.pending) > 0 {
		emit(s.pending)
	}
}

func (s *Splitter) resumeSysEx() {
	if s.resume {
		s.resume = false
		s.running = 0
		s.inSysEx = true
	}
}

func (s *Splitter) reset() {
	s.pending = s.pending[:0]
	s.need = 0
	s.inSysEx = false
}
