//go:build !rtmidi
// +build !rtmidi

package midigomidi

import "github.com/leandrodaf/midiport/sdk/contracts"

// NewRtMidiBackend reports the backend as unavailable; build with -tags rtmidi to enable it.
func NewRtMidiBackend(*contracts.ClientOptions) (contracts.Backend, error) {
	return nil, contracts.Errorf(contracts.KindBackendUnavailable, "open driver", "built without the rtmidi tag").WithBackend(RtMidiName)
}
