// Package mididarwin talks to CoreMIDI on macOS.
package mididarwin

// BackendName selects this backend in contracts.WithBackend.
const BackendName = "coremidi"
