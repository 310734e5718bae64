//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/errors"
)

// Device is a stub on platforms without capture support.
type Device struct{}

// NewDevice returns a device whose Acquire always fails with
// DEVICE_NOT_FOUND.
func NewDevice() (*Device, error) {
	return &Device{}, nil
}

// PopulateEngine is a no-op without capture codecs.
func (d *Device) PopulateEngine(_ *webrtc.MediaEngine) {}

// Acquire always fails: no capture backend on this platform.
func (d *Device) Acquire(_ context.Context, _ domain.CallKind) ([]Track, error) {
	return nil, errors.DeviceNotFoundError(nil)
}

// AcquireVideo always fails: no capture backend on this platform.
func (d *Device) AcquireVideo(_ context.Context) ([]Track, error) {
	return nil, errors.DeviceNotFoundError(nil)
}
