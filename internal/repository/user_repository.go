package repository

import (
	"context"

	"convosync/internal/domain/user"
	convosync_errors "convosync/pkg/errors"
)

func (s *PostgresStore) GetProfiles(ctx context.Context, userIDs []string) ([]user.Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, username, display_name, avatar_url FROM users WHERE id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []user.Profile
	for rows.Next() {
		var p user.Profile
		if err := rows.Scan(&p.UserID, &p.Username, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p user.Profile) error {
	if p.UserID == "" {
		return convosync_errors.ErrInvalidInput
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, username, display_name, avatar_url)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url
	`, p.UserID, p.Username, p.DisplayName, p.AvatarURL)
	return err
}
