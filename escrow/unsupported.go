//go:build (!linux && !windows) || (linux && !cgo)

package escrow

import (
	"context"

	"github.com/rs/zerolog"
)

// unsupported is the backend for platforms without OS-gated storage.
// Biometric unlock is simply unavailable there.
type unsupported struct{}

func newPlatform(_ zerolog.Logger) Escrow {
	return unsupported{}
}

func (unsupported) Available() bool {
	return false
}

func (unsupported) Store(string, []byte) (*Handle, error) {
	return nil, ErrUnavailable
}

func (unsupported) Retrieve(context.Context, *Handle) ([]byte, error) {
	return nil, ErrUnavailable
}

func (unsupported) Delete(*Handle) error {
	return nil
}
