// Package media owns local capture tracks and their publication to a relay
// channel for the duration of one call.
package media

import (
	"context"

	"convosync/internal/relay"
)

type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

func (f Facing) Flip() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// Track is a local capture handle. Stop releases the underlying device and
// must be called exactly once per opened track; further calls are no-ops.
type Track interface {
	ID() string
	Source() Source
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
}

// DeviceProvider opens capture devices. Permission failures wrap
// ErrPermissionDenied, missing hardware ErrDeviceUnavailable.
type DeviceProvider interface {
	Microphone(ctx context.Context) (Track, error)
	Camera(ctx context.Context, facing Facing) (Track, error)
	Screen(ctx context.Context) (Track, error)
}

// Channel is a joined relay channel.
type Channel interface {
	Publish(ctx context.Context, t Track) error
	Unpublish(ctx context.Context, t Track) error
	Leave(ctx context.Context) error
}

// Relay joins channels with credentials from a relay.TokenService.
type Relay interface {
	Join(ctx context.Context, creds relay.Credentials) (Channel, error)
}
