package midi

import (
	"runtime"
	"sort"

	"github.com/leandrodaf/midiport/internal/midi/midialsa"
	"github.com/leandrodaf/midiport/internal/midi/mididarwin"
	"github.com/leandrodaf/midiport/internal/midi/midigomidi"
	"github.com/leandrodaf/midiport/internal/midi/midijack"
	"github.com/leandrodaf/midiport/internal/midi/midiwindows"
	"github.com/leandrodaf/midiport/sdk/contracts"
)

// Constructor builds a backend from the finalized options.
type Constructor func(*contracts.ClientOptions) (contracts.Backend, error)

// backendConstructors maps backend names to their constructors. Backends that
// are not compiled for the platform return contracts.ErrBackendUnavailable.
var backendConstructors = map[string]Constructor{
	mididarwin.BackendName:  mididarwin.NewBackend,  // macOS CoreMIDI.
	midiwindows.BackendName: midiwindows.NewBackend, // Windows Multimedia.
	midialsa.BackendName:    midialsa.NewBackend,    // Linux ALSA rawmidi.
	midijack.BackendName:    midijack.NewBackend,    // Jack, built with -tags jack.
	midigomidi.RtMidiName:   midigomidi.NewRtMidiBackend,
}

// defaultBackends maps operating systems to the backend used when none is named.
var defaultBackends = map[string]string{
	"darwin":  mididarwin.BackendName,
	"windows": midiwindows.BackendName,
	"linux":   midialsa.BackendName,
}

// Backends lists the names accepted by contracts.WithBackend.
func Backends() []string {
	names := make([]string, 0, len(backendConstructors))
	for name := range backendConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultBackend returns the backend name used on this operating system, or
// an empty string when the platform has none.
func DefaultBackend() string { return defaultBackends[runtime.GOOS] }

// resolveBackend returns the backend to use and whether the caller owns it.
func resolveBackend(opts *contracts.ClientOptions) (contracts.Backend, bool, error) {
	if opts.Backend != nil {
		return opts.Backend, false, nil
	}
	name := opts.BackendName
	if name == "" {
		name = DefaultBackend()
	}
	if name == "" {
		return nil, false, contracts.Errorf(contracts.KindBackendUnavailable, "select backend", "no default backend for %s", runtime.GOOS)
	}
	constructor, ok := backendConstructors[name]
	if !ok {
		return nil, false, contracts.Errorf(contracts.KindBackendUnavailable, "select backend", "unknown backend %q", name)
	}
	backend, err := constructor(opts)
	if err != nil {
		return nil, false, contracts.AsError("open backend", err).WithBackend(name)
	}
	return backend, true, nil
}
