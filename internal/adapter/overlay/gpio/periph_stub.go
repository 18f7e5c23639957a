//go:build !edge

package gpio

import "errors"

// NewPeriphBackend is only available in edge builds.
func NewPeriphBackend() (Backend, error) {
	return nil, errors.New("hardware GPIO requires a build with -tags edge")
}
