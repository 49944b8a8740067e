package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const settingJWTSecret = "jwt_secret"

// EnsureSetting stores candidate under key unless a value already exists, and
// returns whichever value is stored. INSERT OR IGNORE followed by a re-read
// keeps concurrent first runs from disagreeing.
func EnsureSetting(ctx context.Context, q Querier, key, candidate string) (string, error) {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`,
		key, candidate,
	)
	if err != nil {
		return "", fmt.Errorf("storing setting %s: %w", key, err)
	}

	var value string
	err = q.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return value, nil
}

// GetJWTSecret returns the token signing secret, generating one on first use.
func GetJWTSecret(ctx context.Context, q Querier) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return EnsureSetting(ctx, q, settingJWTSecret, hex.EncodeToString(buf))
}
