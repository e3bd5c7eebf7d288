package media

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"convosync/internal/relay"
	convosync_errors "convosync/pkg/errors"

	"github.com/google/uuid"
)

// SyntheticDevices is an in-process DeviceProvider for simulation and tests.
// It counts open handles so leaks are observable.
type SyntheticDevices struct {
	open atomic.Int64

	mu         sync.Mutex
	denyMic    bool
	denyCamera bool
	denyScreen bool
}

func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{}
}

// Deny makes opening the given source fail with ErrPermissionDenied.
func (d *SyntheticDevices) Deny(src Source, deny bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch src {
	case SourceMicrophone:
		d.denyMic = deny
	case SourceCamera:
		d.denyCamera = deny
	case SourceScreen:
		d.denyScreen = deny
	}
}

func (d *SyntheticDevices) denied(src Source) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch src {
	case SourceMicrophone:
		return d.denyMic
	case SourceCamera:
		return d.denyCamera
	case SourceScreen:
		return d.denyScreen
	}
	return false
}

func (d *SyntheticDevices) openTrack(ctx context.Context, src Source, label string) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.denied(src) {
		return nil, fmt.Errorf("%s: %w", src, convosync_errors.ErrPermissionDenied)
	}
	d.open.Add(1)
	return &syntheticTrack{id: uuid.NewString(), source: src, label: label, enabled: true, owner: d}, nil
}

func (d *SyntheticDevices) Microphone(ctx context.Context) (Track, error) {
	return d.openTrack(ctx, SourceMicrophone, "mic")
}

func (d *SyntheticDevices) Camera(ctx context.Context, facing Facing) (Track, error) {
	return d.openTrack(ctx, SourceCamera, string(facing))
}

func (d *SyntheticDevices) Screen(ctx context.Context) (Track, error) {
	return d.openTrack(ctx, SourceScreen, "screen")
}

// OpenHandles is the number of tracks opened and not yet stopped.
func (d *SyntheticDevices) OpenHandles() int {
	return int(d.open.Load())
}

type syntheticTrack struct {
	id     string
	source Source
	label  string
	owner  *SyntheticDevices

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *syntheticTrack) ID() string     { return t.id }
func (t *syntheticTrack) Source() Source { return t.source }

// Label is the device label, the facing for cameras.
func (t *syntheticTrack) Label() string { return t.label }

func (t *syntheticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *syntheticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *syntheticTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	t.owner.open.Add(-1)
	return nil
}

// Verifier checks join credentials. *relay.Issuer implements it.
type Verifier interface {
	Verify(token, channel string) (relay.ChannelClaims, error)
}

// LoopbackRelay is an in-process relay. Channels only track membership and
// publications, no media flows.
type LoopbackRelay struct {
	verifier Verifier

	mu       sync.Mutex
	failJoin error
	channels map[string]map[string]map[string]Source
}

func NewLoopbackRelay(verifier Verifier) *LoopbackRelay {
	return &LoopbackRelay{verifier: verifier, channels: make(map[string]map[string]map[string]Source)}
}

// FailJoins makes every later Join fail with err until reset with nil.
func (r *LoopbackRelay) FailJoins(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failJoin = err
}

func (r *LoopbackRelay) Join(ctx context.Context, creds relay.Credentials) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.verifier != nil {
		claims, err := r.verifier.Verify(creds.Token, creds.Channel)
		if err != nil {
			return nil, err
		}
		if claims.Subject != creds.UserAccount {
			return nil, fmt.Errorf("token subject %s: %w", claims.Subject, convosync_errors.ErrForbidden)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failJoin != nil {
		return nil, r.failJoin
	}
	members := r.channels[creds.Channel]
	if members == nil {
		members = make(map[string]map[string]Source)
		r.channels[creds.Channel] = members
	}
	members[creds.UserAccount] = make(map[string]Source)
	return &loopbackChannel{relay: r, name: creds.Channel, user: creds.UserAccount}, nil
}

// Members lists the users joined to channel.
func (r *LoopbackRelay) Members(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels[channel]))
	for u := range r.channels[channel] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Published lists the sources a member currently publishes.
func (r *LoopbackRelay) Published(channel, userID string) []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Source
	for _, src := range r.channels[channel][userID] {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type loopbackChannel struct {
	relay *LoopbackRelay
	name  string
	user  string
}

func (c *loopbackChannel) tracks() (map[string]Source, error) {
	tracks, ok := c.relay.channels[c.name][c.user]
	if !ok {
		return nil, fmt.Errorf("not joined to %s", c.name)
	}
	return tracks, nil
}

func (c *loopbackChannel) Publish(_ context.Context, t Track) error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	tracks, err := c.tracks()
	if err != nil {
		return err
	}
	tracks[t.ID()] = t.Source()
	return nil
}

func (c *loopbackChannel) Unpublish(_ context.Context, t Track) error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	tracks, err := c.tracks()
	if err != nil {
		return err
	}
	delete(tracks, t.ID())
	return nil
}

func (c *loopbackChannel) Leave(_ context.Context) error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	members := c.relay.channels[c.name]
	delete(members, c.user)
	if len(members) == 0 {
		delete(c.relay.channels, c.name)
	}
	return nil
}
