// Package sysex turns driver-sized chunks into complete MIDI messages.
//
// Backends deliver either whole messages or System Exclusive data cut at
// arbitrary driver boundaries. A Reassembler keeps a per-connection buffer
// for the SysEx message in progress and lets everything else through.
package sysex

import "github.com/leandrodaf/midiport/sdk/contracts"

// EmitFunc receives one complete message. msg is only valid during the call.
type EmitFunc func(timestamp uint64, msg []byte)

// DropFunc is told about a partial SysEx message that was thrown away.
type DropFunc func(partial int, reason string)

// Reassembler is not safe for concurrent use; callers serialize Feed.
type Reassembler struct {
	buf      []byte
	active   bool // buf holds a message that started with 0xF0
	skipping bool // oversized message, ignore data until 0xF7 or a new 0xF0
	max      int
	onDrop   DropFunc
}

// New creates a Reassembler. max bounds the buffered message size, 0 means unbounded.
func New(max int, onDrop DropFunc) *Reassembler {
	return &Reassembler{max: max, onDrop: onDrop}
}

// InProgress reports whether a SysEx message is being buffered.
func (r *Reassembler) InProgress() bool { return r.active }

// Buffered returns the number of bytes of the message in progress.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Reset drops any partial message without reporting it.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.active = false
	r.skipping = false
}

// Feed processes one native chunk and emits zero or more complete messages.
//
// A chunk carrying no SysEx byte while no SysEx message is in progress is a
// whole message and is emitted untouched. Anything else is walked byte by
// byte: SysEx data goes to the buffer, other messages found in the chunk are
// emitted on their own without disturbing it, and data or 0xF7 bytes that
// belong to no message are discarded.
func (r *Reassembler) Feed(timestamp uint64, chunk []byte, emit EmitFunc) {
	if len(chunk) == 0 {
		return
	}
	if !r.active && !r.skipping && !carriesSysEx(chunk) {
		emit(timestamp, chunk)
		return
	}

	var running byte
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		switch {
		case contracts.IsRealTime(b):
			emit(timestamp, chunk[i:i+1])

		case b == contracts.SysExStart:
			if r.active {
				r.drop("restarted before terminator")
			}
			running = 0
			r.skipping = false
			r.active = true
			r.buf = append(r.buf[:0], b)

		case b == contracts.SysExEnd:
			running = 0
			if r.skipping {
				r.skipping = false
				continue
			}
			if !r.active {
				continue
			}
			r.buf = append(r.buf, b)
			msg := make([]byte, len(r.buf))
			copy(msg, r.buf)
			r.active = false
			r.buf = r.buf[:0]
			emit(timestamp, msg)

		case contracts.IsStatus(b):
			// Channel and system common messages bypass the buffer.
			end := messageEnd(chunk, i, contracts.MessageLength(b))
			emit(timestamp, chunk[i:end])
			i = end - 1
			if b < 0xF0 {
				running = b
			} else {
				running = 0
			}

		default:
			switch {
			case r.skipping:
			case r.active:
				if r.max > 0 && len(r.buf) >= r.max {
					r.drop("exceeds maximum size")
					r.skipping = true
					continue
				}
				r.buf = append(r.buf, b)
			case running != 0:
				end := messageEnd(chunk, i-1, contracts.MessageLength(running))
				emit(timestamp, chunk[i:end])
				i = end - 1
			}
		}
	}
}

// carriesSysEx reports whether chunk holds a SysEx start or end byte.
func carriesSysEx(chunk []byte) bool {
	for _, b := range chunk {
		if b == contracts.SysExStart || b == contracts.SysExEnd {
			return true
		}
	}
	return false
}

// messageEnd returns the end of a message of length n starting at i. It
// stops early at the next status byte.
func messageEnd(chunk []byte, i, n int) int {
	end := i + 1
	for end < len(chunk) && end-i < n && !contracts.IsStatus(chunk[end]) {
		end++
	}
	return end
}

func (r *Reassembler) drop(reason string) {
	n := len(r.buf)
	r.buf = r.buf[:0]
	r.active = false
	if r.onDrop != nil {
		r.onDrop(n, reason)
	}
}
