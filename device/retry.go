package device

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nyiyui/wgmesh/mesh"
	"go.uber.org/zap"
)

// RetryIdentity wraps a mesh.Device so that Identity is retried while the device does not exist yet.
// Identity is attempted at most attempts times, interval apart. Other errors are returned immediately.
// ReplacePeers is passed through.
type RetryIdentity struct {
	mesh.Device
	Attempts int
	Interval time.Duration
}

var _ mesh.Device = (*RetryIdentity)(nil)

func (r *RetryIdentity) Identity(ctx context.Context) (string, error) {
	if r.Attempts <= 1 {
		return r.Device.Identity(ctx)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Interval), uint64(r.Attempts-1)), ctx)
	attempt := 0
	return backoff.RetryWithData(func() (string, error) {
		attempt++
		identity, err := r.Device.Identity(ctx)
		var noDevice *NoSuchDeviceError
		if errors.As(err, &noDevice) {
			zap.S().Infof("attempt %d/%d: %s", attempt, r.Attempts, err)
			return "", err
		}
		if err != nil {
			return "", backoff.Permanent(err)
		}
		return identity, nil
	}, b)
}
