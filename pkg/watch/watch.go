// Package watch waits for a device to come back after the exploit reboots
// it into uploaded code.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/ccusbwpan/ccflash/pkg/devices"
)

// ErrGone is wrapped by WaitForDevice when the retry budget runs out.
var ErrGone = errors.New("device did not come back")

// Defaults for WaitForDevice.
const (
	DefaultAttempts = 10
	DefaultInterval = time.Second
)

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error so that Retry stops instead of trying again.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Retry runs op up to attempts times, sleeping interval before each try.
// Errors from op are logged and consume one attempt, unless wrapped with
// Permanent, in which case they abort the loop. Exhausting the budget
// returns the last error.
func Retry[T any](ctx context.Context, attempts int, interval time.Duration, op func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(interval):
		}

		res, err := op()
		if err == nil {
			return res, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		glog.Infof("    %v...", err)
		last = err
	}
	if last == nil {
		last = errors.New("no attempts made")
	}
	return zero, last
}

// WaitForDevice polls a physical bus/port slot until a device shows up there
// and can be claimed. Matching is by topology, not USB identity: after the
// exploit the uploaded code may enumerate with any descriptors. A device
// that is present but cannot be claimed yet counts as not found for that
// attempt. Returns ErrGone once the budget is exhausted.
func WaitForDevice(ctx context.Context, loc devices.Locator, bus int, ports []int, attempts int, interval time.Duration) (devices.Usb, error) {
	glog.Infof("Watching USB port...")
	dev, err := Retry(ctx, attempts, interval, func() (devices.Usb, error) {
		dev, err := loc.FindOnPort(bus, ports)
		if err != nil {
			return nil, fmt.Errorf("looking for device: %w", err)
		}
		if dev == nil {
			return nil, fmt.Errorf("nothing there yet")
		}
		if err := dev.Claim(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("not responding yet (%v)", err)
		}
		return dev, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGone, err)
	}
	return dev, nil
}
