package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Well-known config keys.
const (
	ConfigBossName       = "boss_name"
	ConfigBossTimezone   = "boss_timezone"
	ConfigBossTokenHash  = "boss_token_hash"
	ConfigSetupCompleted = "setup_completed"
	ConfigPolicyVersion  = "permission_policy_version"

	// Per-adapter boss chat id, e.g. "boss_id.telegram".
	configBossIDPrefix = "boss_id."
)

// GetConfig returns the value for key, or "" when unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %q: %w", key, err)
	}
	return v, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, s.db, key, value)
}

// SetConfig is the transactional variant, used by setup reconciliation.
func (t *Tx) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, t.tx, key, value)
}

func setConfig(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

// BossLocation loads the configured boss timezone. Falls back to UTC
// when unset; a stored-but-invalid zone is an error (it should have
// been rejected at the boundary).
func (s *Store) BossLocation(ctx context.Context) (*time.Location, error) {
	tz, err := s.GetConfig(ctx, ConfigBossTimezone)
	if err != nil {
		return nil, err
	}
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("configured boss timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ConfigBossIDKey builds the per-adapter boss chat id config key.
func ConfigBossIDKey(adapterType string) string {
	return configBossIDPrefix + adapterType
}

// BossID returns the boss chat id for an adapter type ("" when unset).
func (s *Store) BossID(ctx context.Context, adapterType string) (string, error) {
	return s.GetConfig(ctx, configBossIDPrefix+adapterType)
}

// SetBossID stores the boss chat id for an adapter type.
func (s *Store) SetBossID(ctx context.Context, adapterType, id string) error {
	return s.SetConfig(ctx, configBossIDPrefix+adapterType, id)
}

// SetupCompleted reports whether initial setup has finished.
func (s *Store) SetupCompleted(ctx context.Context) (bool, error) {
	v, err := s.GetConfig(ctx, ConfigSetupCompleted)
	return v == "true", err
}
