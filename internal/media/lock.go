package media

import "context"

// DeviceLock gives one Manager at a time exclusive use of the local devices.
// A new call blocks in Acquire until the previous manager's Teardown released
// it.
type DeviceLock struct {
	slot chan struct{}
}

func NewDeviceLock() *DeviceLock {
	return &DeviceLock{slot: make(chan struct{}, 1)}
}

func (l *DeviceLock) Acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *DeviceLock) Release() {
	select {
	case <-l.slot:
	default:
	}
}

// Held reports whether some manager owns the devices.
func (l *DeviceLock) Held() bool {
	return len(l.slot) == 1
}
