package store

import (
	"database/sql"
	"time"
)

// CacheUser writes or refreshes a remote user's cached profile.
func (db *DB) CacheUser(u CachedUser) error {
	if u.UserID == "" {
		return ErrValidation
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO user_cache (user_id, username, display_name, phone, photo_url, online, last_seen_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			phone = excluded.phone,
			photo_url = excluded.photo_url,
			online = excluded.online,
			last_seen_at = excluded.last_seen_at,
			cached_at = excluded.cached_at`,
		u.UserID, u.Username, u.DisplayName, u.Phone, u.PhotoURL, u.Online, u.LastSeenAt, now)
	return err
}

// GetCachedUser returns the cached profile for a user, or nil when absent.
// Entries older than the TTL come back with Stale set; stale entries remain
// usable as fallback when a fresh fetch is not possible.
func (db *DB) GetCachedUser(userID string, ttl time.Duration) (*CachedUser, error) {
	var u CachedUser
	err := db.QueryRow(`
		SELECT user_id, username, display_name, phone, photo_url, online, last_seen_at, cached_at
		FROM user_cache WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Username, &u.DisplayName, &u.Phone, &u.PhotoURL, &u.Online, &u.LastSeenAt, &u.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Stale = time.Now().UnixMilli()-u.CachedAt > ttl.Milliseconds()
	return &u, nil
}
