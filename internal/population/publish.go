package population

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUserNotRegistered reports that the relational store has no account
// chain for the scanned user, so there is no skill_set row to update.
var ErrUserNotRegistered = errors.New("user is not registered")

// PublishRankings mirrors a user's ranking tree into the relational store.
// The skill_set row is reached through the user's contractor role; the role
// id doubles as the skill_set id.
func PublishRankings(ctx context.Context, db *sql.DB, username string, rankings map[string]*RankingNode) error {
	skills, err := json.Marshal(rankings)
	if err != nil {
		return fmt.Errorf("encoding rankings: %w", err)
	}

	var githubUserID int64
	err = db.QueryRowContext(ctx,
		"SELECT id FROM github_user WHERE login = ?", username).Scan(&githubUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no github_user row for %q: %w", username, ErrUserNotRegistered)
	}
	if err != nil {
		return fmt.Errorf("looking up github user %q: %w", username, err)
	}

	var userID int64
	err = db.QueryRowContext(ctx,
		"SELECT user_id FROM github_account WHERE github_user_id = ?", githubUserID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no github_account row for %q: %w", username, ErrUserNotRegistered)
	}
	if err != nil {
		return fmt.Errorf("looking up account of %q: %w", username, err)
	}

	var skillSetID int64
	err = db.QueryRowContext(ctx,
		"SELECT id FROM role WHERE user_id = ? AND type = ?", userID, "contractor").Scan(&skillSetID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no contractor role for %q: %w", username, ErrUserNotRegistered)
	}
	if err != nil {
		return fmt.Errorf("looking up contractor role of %q: %w", username, err)
	}

	if _, err := db.ExecContext(ctx,
		"UPDATE skill_set SET skills = ? WHERE id = ?", skills, skillSetID); err != nil {
		return fmt.Errorf("updating skill_set %d: %w", skillSetID, err)
	}

	slog.Info("Published rankings", "user", username, "skill_set", skillSetID)
	return nil
}
