// Package midiwindows talks to the Windows Multimedia (WinMM) MIDI API.
package midiwindows

// BackendName selects this backend in contracts.WithBackend.
const BackendName = "winmm"
