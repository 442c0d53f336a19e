package midi

import (
	"github.com/leandrodaf/midiport/sdk/contracts"
)

// NewBackend creates the backend selected by the options without wrapping it
// in a handle. It applies the same defaults as NewInput and NewOutput.
//
// opts ...contracts.Option: A variadic list of option functions to customize the backend.
//
// Returns:
//   - contracts.Backend: The backend instance; the caller closes it.
//   - error: An error matching contracts.ErrBackendUnavailable when the backend cannot be used.
func NewBackend(opts ...contracts.Option) (contracts.Backend, error) {
	options, err := applyDefaultOptions(opts...)
	if err != nil {
		return nil, err
	}
	backend, _, err := resolveBackend(&options)
	return backend, err
}
