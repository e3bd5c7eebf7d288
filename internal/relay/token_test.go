package relay

import (
	"context"
	"testing"
	"time"

	convosync_errors "convosync/pkg/errors"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuerRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	iss := NewIssuer("app", "secret", time.Minute, clock)

	creds, err := iss.Token(context.Background(), "call-1", "alice", RolePublisher)
	require.NoError(t, err)
	assert.Equal(t, "app", creds.AppID)
	assert.Equal(t, "alice", creds.UserAccount)
	assert.Equal(t, clock.Now().Add(time.Minute), creds.ExpiresAt)

	claims, err := iss.Verify(creds.Token, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, RolePublisher, claims.Role)

	_, err = iss.Verify(creds.Token, "call-2")
	require.ErrorIs(t, err, convosync_errors.ErrForbidden)

	clock.Advance(2 * time.Minute)
	_, err = iss.Verify(creds.Token, "call-1")
	require.ErrorIs(t, err, convosync_errors.ErrUnauthorized)
}

func TestIssuerRejectsForeignSecret(t *testing.T) {
	a := NewIssuer("app", "one", time.Minute, nil)
	b := NewIssuer("app", "two", time.Minute, nil)
	creds, err := a.Token(context.Background(), "c", "u", RoleSubscriber)
	require.NoError(t, err)

	_, err = b.Verify(creds.Token, "c")
	require.ErrorIs(t, err, convosync_errors.ErrUnauthorized)
}

func TestIssuerValidatesInput(t *testing.T) {
	iss := NewIssuer("app", "s", 0, nil)
	_, err := iss.Token(context.Background(), "", "u", RolePublisher)
	require.ErrorIs(t, err, convosync_errors.ErrInvalidInput)
	_, err = iss.Token(context.Background(), "c", "u", Role("admin"))
	require.ErrorIs(t, err, convosync_errors.ErrInvalidInput)
}
