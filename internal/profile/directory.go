// Package profile resolves user profiles for message senders and call
// participants, cache-aside over the profile table.
package profile

import (
	"context"
	"fmt"

	"convosync/internal/domain/user"
	"convosync/internal/repository"
	"convosync/pkg/logger"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Cache is the profile cache. *redis.CacheStore implements it.
type Cache interface {
	GetProfiles(ctx context.Context, userIDs []string) (map[string]user.Profile, []string, error)
	SetProfiles(ctx context.Context, profiles []user.Profile) error
	InvalidateProfile(ctx context.Context, userID string) error
}

type Directory struct {
	source repository.ProfileRepository
	cache  Cache
	log    *logger.Logger
}

// NewDirectory returns a directory over source. cache may be nil.
func NewDirectory(source repository.ProfileRepository, cache Cache, log *logger.Logger) *Directory {
	return &Directory{source: source, cache: cache, log: logger.OrGlobal(log).Named("profile")}
}

// Lookup returns the known profiles among userIDs. Unknown ids are absent
// from the result. A cache failure falls through to the source.
func (d *Directory) Lookup(ctx context.Context, userIDs []string) (map[string]user.Profile, error) {
	ids := lo.Uniq(lo.Compact(userIDs))
	found := make(map[string]user.Profile, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	misses := ids
	if d.cache != nil {
		cached, missed, err := d.cache.GetProfiles(ctx, ids)
		if err != nil {
			d.log.Logger.Warn("profile cache read", zap.Error(err))
		} else {
			found = cached
			misses = missed
		}
	}
	if len(misses) == 0 {
		return found, nil
	}

	rows, err := d.source.GetProfiles(ctx, misses)
	if err != nil {
		return found, fmt.Errorf("load profiles: %w", err)
	}
	for _, p := range rows {
		found[p.UserID] = p
	}
	if d.cache != nil && len(rows) > 0 {
		if err := d.cache.SetProfiles(ctx, rows); err != nil {
			d.log.Logger.Warn("profile cache write", zap.Error(err))
		}
	}
	return found, nil
}

// Upsert writes p and drops its cached copy.
func (d *Directory) Upsert(ctx context.Context, p user.Profile) error {
	if err := d.source.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	if d.cache != nil {
		if err := d.cache.InvalidateProfile(ctx, p.UserID); err != nil {
			d.log.Logger.Warn("profile cache invalidate", zap.String("peer", p.UserID), zap.Error(err))
		}
	}
	return nil
}
