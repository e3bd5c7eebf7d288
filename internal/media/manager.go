package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"convosync/internal/domain/call"
	"convosync/internal/relay"
	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"go.uber.org/zap"
)

// Manager owns the tracks of one call. The outbound video slot carries either
// the camera or a screen share, never both. A manager is single use: once torn
// down it refuses to open devices or join a channel again.
type Manager struct {
	userID  string
	devices DeviceProvider
	relay   Relay
	tokens  relay.TokenService
	lock    *DeviceLock
	log     *logger.Logger

	mu        sync.Mutex
	held      bool
	closed    bool
	opening   int
	mic       Track
	camera    Track
	screen    Track
	facing    Facing
	cameraOff bool
	channel   Channel
	slot      Track
	published map[Track]struct{}
}

type Option func(*Manager)

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithDeviceLock shares a lock between managers of the same client.
func WithDeviceLock(l *DeviceLock) Option {
	return func(m *Manager) { m.lock = l }
}

func NewManager(userID string, devices DeviceProvider, r Relay, tokens relay.TokenService, opts ...Option) *Manager {
	m := &Manager{
		userID:    userID,
		devices:   devices,
		relay:     r,
		tokens:    tokens,
		facing:    FacingFront,
		published: make(map[Track]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lock == nil {
		m.lock = NewDeviceLock()
	}
	m.log = logger.OrGlobal(m.log).Named("media").With(zap.String("user_id", userID))
	return m
}

// Acquire takes the device lock and opens the tracks a call of this kind
// needs. A camera failure downgrades a video call to voice; the returned kind
// is what was actually acquired. A microphone failure is fatal and leaves
// nothing open.
func (m *Manager) Acquire(ctx context.Context, kind call.Kind) (call.Kind, error) {
	m.mu.Lock()
	held, closed := m.held, m.closed
	m.mu.Unlock()
	if closed {
		return kind, errTornDown
	}
	if !held {
		if err := m.lock.Acquire(ctx); err != nil {
			return kind, fmt.Errorf("wait for devices: %w", err)
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			m.lock.Release()
			return kind, errTornDown
		}
		m.held = true
		m.mu.Unlock()
	}

	// The lock stays held until devices opened here are installed or stopped.
	m.mu.Lock()
	m.opening++
	m.mu.Unlock()
	defer m.doneOpening()

	mic, err := m.devices.Microphone(ctx)
	if err != nil {
		m.releaseLock()
		return kind, fmt.Errorf("microphone: %w", err)
	}
	if !m.install(&m.mic, mic) {
		return kind, errTornDown
	}

	if kind != call.KindVideo {
		return call.KindVoice, nil
	}
	m.mu.Lock()
	facing := m.facing
	m.mu.Unlock()
	cam, err := m.devices.Camera(ctx, facing)
	if err != nil {
		m.log.Logger.Info("camera unavailable, continuing with voice", zap.Error(err))
		return call.KindVoice, nil
	}
	if !m.install(&m.camera, cam) {
		return kind, errTornDown
	}
	return call.KindVideo, nil
}

func (m *Manager) doneOpening() {
	m.mu.Lock()
	m.opening--
	release := m.closed && m.held && m.opening == 0
	if release {
		m.held = false
	}
	m.mu.Unlock()
	if release {
		m.lock.Release()
	}
}

var errTornDown = fmt.Errorf("media torn down: %w", convosync_errors.ErrNoActiveCall)

// install stores a track opened outside the lock, or stops it when the
// manager was torn down meanwhile.
func (m *Manager) install(slot *Track, t Track) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = t.Stop()
		return false
	}
	m.replace(slot, t)
	return true
}

// replace installs t in *slot, stopping whatever was there. m.mu is held.
func (m *Manager) replace(slot *Track, t Track) {
	if old := *slot; old != nil && old != t {
		_ = old.Stop()
	}
	*slot = t
}

// Join fetches credentials and joins channel, publishing the microphone and
// the current video slot. Any failure leaves the channel unjoined; the caller
// tears down.
func (m *Manager) Join(ctx context.Context, channel string, role relay.Role) error {
	creds, err := m.tokens.Token(ctx, channel, m.userID, role)
	if err != nil {
		return fmt.Errorf("%w: %v", convosync_errors.ErrTokenUnavailable, err)
	}
	ch, err := m.relay.Join(ctx, creds)
	if err != nil {
		return fmt.Errorf("%w: %v", convosync_errors.ErrRelayJoin, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		if err := ch.Leave(ctx); err != nil {
			m.log.Logger.Warn("leave channel", zap.Error(err))
		}
		return errTornDown
	}
	m.channel = ch
	if role == relay.RoleSubscriber {
		return nil
	}
	if m.mic != nil {
		if err := m.publishLocked(ctx, m.mic); err != nil {
			m.leaveLocked(ctx)
			return fmt.Errorf("%w: publish microphone: %v", convosync_errors.ErrRelayJoin, err)
		}
	}
	if video := m.videoSourceLocked(); video != nil {
		if err := m.publishLocked(ctx, video); err != nil {
			m.leaveLocked(ctx)
			return fmt.Errorf("%w: publish video: %v", convosync_errors.ErrRelayJoin, err)
		}
		m.slot = video
	}
	return nil
}

func (m *Manager) videoSourceLocked() Track {
	if m.screen != nil {
		return m.screen
	}
	if m.camera != nil && !m.cameraOff {
		return m.camera
	}
	return nil
}

func (m *Manager) publishLocked(ctx context.Context, t Track) error {
	if m.channel == nil {
		return nil
	}
	if _, ok := m.published[t]; ok {
		return nil
	}
	if err := m.channel.Publish(ctx, t); err != nil {
		return err
	}
	m.published[t] = struct{}{}
	return nil
}

func (m *Manager) unpublishLocked(ctx context.Context, t Track) {
	if t == nil || m.channel == nil {
		return
	}
	if _, ok := m.published[t]; !ok {
		return
	}
	delete(m.published, t)
	if err := m.channel.Unpublish(ctx, t); err != nil {
		m.log.Logger.Warn("unpublish", zap.String("source", string(t.Source())), zap.Error(err))
	}
}

// setSlotLocked swaps the published video track.
func (m *Manager) setSlotLocked(ctx context.Context, t Track) error {
	if m.slot == t {
		return nil
	}
	m.unpublishLocked(ctx, m.slot)
	m.slot = nil
	if t == nil {
		return nil
	}
	if err := m.publishLocked(ctx, t); err != nil {
		return err
	}
	m.slot = t
	return nil
}

func (m *Manager) leaveLocked(ctx context.Context) {
	if m.channel == nil {
		return
	}
	if err := m.channel.Leave(ctx); err != nil {
		m.log.Logger.Warn("leave channel", zap.Error(err))
	}
	m.channel = nil
	m.slot = nil
	m.published = make(map[Track]struct{})
}

func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mic != nil {
		m.mic.SetEnabled(!muted)
	}
}

// SetCameraEnabled turns the camera on or off independently of screen share.
func (m *Manager) SetCameraEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera == nil {
		if !enabled {
			m.cameraOff = true
			return nil
		}
		return fmt.Errorf("no camera: %w", convosync_errors.ErrDeviceUnavailable)
	}
	m.cameraOff = !enabled
	m.camera.SetEnabled(enabled)
	if m.screen != nil {
		return nil
	}
	if enabled {
		return m.setSlotLocked(ctx, m.camera)
	}
	return m.setSlotLocked(ctx, nil)
}

// SwitchCamera flips between the front and back camera.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.camera == nil {
		m.mu.Unlock()
		return fmt.Errorf("no camera: %w", convosync_errors.ErrDeviceUnavailable)
	}
	facing := m.facing.Flip()
	m.mu.Unlock()

	cam, err := m.devices.Camera(ctx, facing)
	if err != nil {
		return fmt.Errorf("switch camera: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.camera
	if old == nil || m.closed {
		// Torn down meanwhile.
		_ = cam.Stop()
		return convosync_errors.ErrNoActiveCall
	}
	cam.SetEnabled(!m.cameraOff)
	if m.slot == old {
		if err := m.setSlotLocked(ctx, cam); err != nil {
			_ = cam.Stop()
			return err
		}
	}
	m.camera = cam
	m.facing = facing
	_ = old.Stop()
	return nil
}

// StartScreenShare substitutes a screen capture for the camera in the video
// slot.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if m.screen != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	screen, err := m.devices.Screen(ctx)
	if err != nil {
		return fmt.Errorf("screen share: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = screen.Stop()
		return errTornDown
	}
	if m.screen != nil {
		_ = screen.Stop()
		return nil
	}
	if err := m.setSlotLocked(ctx, screen); err != nil {
		_ = screen.Stop()
		return err
	}
	m.screen = screen
	return nil
}

// StopScreenShare ends the share and puts the camera back unless it was
// turned off.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen == nil {
		return nil
	}
	screen := m.screen
	m.screen = nil
	var next Track
	if m.camera != nil && !m.cameraOff {
		next = m.camera
	}
	err := m.setSlotLocked(ctx, next)
	_ = screen.Stop()
	return err
}

// DowngradeToAudio drops every video track.
func (m *Manager) DowngradeToAudio(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.setSlotLocked(ctx, nil)
	if m.camera != nil {
		_ = m.camera.Stop()
		m.camera = nil
	}
	if m.screen != nil {
		_ = m.screen.Stop()
		m.screen = nil
	}
}

// Teardown leaves the channel, stops every track and releases the device
// lock. It is safe to call on every exit path, more than once, and while an
// Acquire or Join is still in flight.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var errs []error
	for _, t := range []Track{m.screen, m.camera, m.mic} {
		m.unpublishLocked(ctx, t)
	}
	m.leaveLocked(ctx)
	for _, slot := range []*Track{&m.screen, &m.camera, &m.mic} {
		if *slot == nil {
			continue
		}
		if err := (*slot).Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", (*slot).Source(), err))
		}
		*slot = nil
	}
	m.cameraOff = false
	m.facing = FacingFront
	release := m.held && m.opening == 0
	if release {
		m.held = false
	}
	m.mu.Unlock()

	if release {
		m.lock.Release()
	}
	return errors.Join(errs...)
}

func (m *Manager) releaseLock() {
	m.mu.Lock()
	held := m.held
	m.held = false
	m.mu.Unlock()
	if held {
		m.lock.Release()
	}
}

// OpenHandles counts the tracks this manager holds.
func (m *Manager) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range []Track{m.mic, m.camera, m.screen} {
		if t != nil {
			n++
		}
	}
	return n
}

// State is a read-only view for snapshots.
type State struct {
	Joined        bool
	Muted         bool
	CameraOn      bool
	ScreenSharing bool
	Facing        Facing
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Joined:        m.channel != nil,
		Muted:         m.mic != nil && !m.mic.Enabled(),
		CameraOn:      m.camera != nil && !m.cameraOff,
		ScreenSharing: m.screen != nil,
		Facing:        m.facing,
	}
}
