package services

import (
	"context"
	"fmt"
	"time"

	convosync_errors "convosync/pkg/errors"
	"convosync/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// AuthService verifies the bearer tokens issued by the identity provider.
// Account storage and login live there; this service only needs the shared
// HS256 secret.
type AuthService struct {
	jwtSecret []byte
	accessTTL time.Duration
	clock     clockwork.Clock
}

func NewAuthService(secret string, accessTTL time.Duration, clock clockwork.Clock) *AuthService {
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuthService{jwtSecret: []byte(secret), accessTTL: accessTTL, clock: clock}
}

type AccessClaims struct {
	UserID    string `json:"sub"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// IssueAccessToken signs a token for userID. Used by development tooling and
// tests; production tokens come from the identity provider.
func (s *AuthService) IssueAccessToken(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, convosync_errors.ErrInvalidInput
	}
	now := s.clock.Now()
	expiresAt := now.Add(s.accessTTL)
	claims := AccessClaims{
		UserID:    userID,
		SessionID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *AuthService) ParseAccessToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, convosync_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, convosync_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return AccessClaims{}, convosync_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return AccessClaims{}, convosync_errors.ErrUnauthorized
	}

	return *claims, nil
}

type ctxKey string

var userIDKey ctxKey = "user_id"
var sessionIDKey ctxKey = "session_id"

// WithUserSessionContext stores the authenticated user on ctx. The user id is
// also set under the logger's key so request logs carry it.
func WithUserSessionContext(ctx context.Context, userID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, logger.UserIdKey, userID)
	if sessionID != "" {
		ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	}
	return ctx
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(sessionIDKey).(string)
	return sessionID, ok
}
