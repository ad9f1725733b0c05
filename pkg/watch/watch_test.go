package watch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/gousb"

	"github.com/ccusbwpan/ccflash/pkg/devices"
	"github.com/ccusbwpan/ccflash/pkg/layout"
)

type fakeDevice struct {
	claimFailures int
	claimed       bool
	closed        bool
}

func (d *fakeDevice) Variant() layout.Variant { return 0x8391 }
func (d *fakeDevice) Bus() int                { return 1 }
func (d *fakeDevice) Ports() []int            { return []int{2, 3} }
func (d *fakeDevice) Describe() string        { return "fake device" }

func (d *fakeDevice) Claim() error {
	if d.claimFailures > 0 {
		d.claimFailures--
		return fmt.Errorf("device busy")
	}
	d.claimed = true
	return nil
}

func (d *fakeDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return len(data), nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// fakeLocator returns nothing for absentFor calls, then dev.
type fakeLocator struct {
	absentFor int
	dev       *fakeDevice
	calls     int
}

func (l *fakeLocator) Find(vid, pid gousb.ID) (devices.Usb, error) {
	return nil, fmt.Errorf("not used in these tests")
}

func (l *fakeLocator) FindOnPort(bus int, ports []int) (devices.Usb, error) {
	l.calls++
	if l.calls <= l.absentFor {
		return nil, nil
	}
	if l.dev == nil {
		return nil, nil
	}
	return l.dev, nil
}

func TestWaitForDeviceEventuallyFound(t *testing.T) {
	loc := &fakeLocator{absentFor: 9, dev: &fakeDevice{}}
	dev, err := WaitForDevice(context.Background(), loc, 1, []int{2, 3}, 10, time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if dev == nil {
		t.Fatalf("no device returned")
	}
	if loc.calls != 10 {
		t.Errorf("locator queried %d times, wanted 10", loc.calls)
	}
	if !loc.dev.claimed {
		t.Errorf("device was not claimed")
	}
}

func TestWaitForDeviceNeverFound(t *testing.T) {
	loc := &fakeLocator{absentFor: 100}
	_, err := WaitForDevice(context.Background(), loc, 1, []int{2, 3}, 10, time.Millisecond)
	if !errors.Is(err, ErrGone) {
		t.Fatalf("wanted ErrGone, got %v", err)
	}
	if loc.calls != 10 {
		t.Errorf("locator queried %d times, wanted 10", loc.calls)
	}
}

func TestWaitForDeviceTransientClaimFailure(t *testing.T) {
	dev := &fakeDevice{claimFailures: 3}
	loc := &fakeLocator{absentFor: 2, dev: dev}
	got, err := WaitForDevice(context.Background(), loc, 1, []int{2, 3}, 10, time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if got == nil {
		t.Fatalf("no device returned")
	}
	// 2 absent + 3 failed claims + 1 success.
	if loc.calls != 6 {
		t.Errorf("locator queried %d times, wanted 6", loc.calls)
	}
	if !dev.claimed {
		t.Errorf("device was not claimed")
	}
}

func TestRetryPermanent(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 10, time.Millisecond, func() (int, error) {
		calls++
		return 0, Permanent(fmt.Errorf("no point retrying"))
	})
	if err == nil {
		t.Fatalf("retry swallowed a permanent error")
	}
	if calls != 1 {
		t.Errorf("op ran %d times after a permanent error, wanted 1", calls)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 10, time.Hour, func() (int, error) {
		t.Fatalf("op ran despite cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("wanted context.Canceled, got %v", err)
	}
}
