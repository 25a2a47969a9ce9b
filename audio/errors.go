package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is reported by a device when the user or the
	// platform refuses access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDeviceNotFound is reported when no suitable device is present.
	ErrDeviceNotFound = errors.New("device not found")
)

// AcquisitionError is returned when a microphone or camera cannot be opened.
// Nothing is left acquired when it is returned.
type AcquisitionError struct {
	Device string // "microphone" or "camera"
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
