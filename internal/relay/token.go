// Package relay issues join credentials for media-relay channels.
package relay

import (
	"context"
	"fmt"
	"time"

	convosync_errors "convosync/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleSubscriber
}

// Credentials are what a client presents to the relay to join a channel.
type Credentials struct {
	AppID       string    `json:"app_id"`
	Token       string    `json:"token"`
	UserAccount string    `json:"user_account"`
	Channel     string    `json:"channel"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenService returns short-lived credentials for a channel. Any failure is
// a call setup failure.
type TokenService interface {
	Token(ctx context.Context, channel, userID string, role Role) (Credentials, error)
}

type ChannelClaims struct {
	Channel string `json:"chn"`
	Role    Role   `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs relay tokens as HS256 JWTs. It serves self-hosted relays and
// the in-process loopback relay.
type Issuer struct {
	appID  string
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewIssuer(appID, secret string, ttl time.Duration, clock clockwork.Clock) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{appID: appID, secret: []byte(secret), ttl: ttl, clock: clock}
}

func (i *Issuer) Token(_ context.Context, channel, userID string, role Role) (Credentials, error) {
	if channel == "" || userID == "" || !role.Valid() {
		return Credentials{}, fmt.Errorf("relay token for %q/%q: %w", channel, userID, convosync_errors.ErrInvalidInput)
	}
	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)
	claims := ChannelClaims{
		Channel: channel,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.appID,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Credentials{}, fmt.Errorf("sign relay token: %w", err)
	}
	return Credentials{
		AppID:       i.appID,
		Token:       signed,
		UserAccount: userID,
		Channel:     channel,
		ExpiresAt:   expiresAt,
	}, nil
}

// Verify checks a token against channel and returns its claims.
func (i *Issuer) Verify(token, channel string) (ChannelClaims, error) {
	if token == "" {
		return ChannelClaims{}, convosync_errors.ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &ChannelClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, convosync_errors.ErrUnauthorized
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.clock.Now), jwt.WithIssuer(i.appID))
	if err != nil {
		return ChannelClaims{}, fmt.Errorf("relay token: %w", convosync_errors.ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*ChannelClaims)
	if !ok || !parsed.Valid {
		return ChannelClaims{}, convosync_errors.ErrUnauthorized
	}
	if claims.Channel != channel {
		return ChannelClaims{}, fmt.Errorf("token is for channel %s: %w", claims.Channel, convosync_errors.ErrForbidden)
	}
	return *claims, nil
}
