// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/cropdoc/internal/enrich"
)

// =============================================================================
// KEYS
// =============================================================================

// Preference keys.
const (
	KeyServerURL       = "server.url"
	KeyServerType      = "server.type"
	KeyProfileState    = "profile.state"
	KeyProfileFarmSize = "profile.farm_size"
	KeyProfileCrops    = "profile.crops"
	KeyProfileLocale   = "profile.locale"
)

// FileName is the database file created under the data directory.
const FileName = "prefs.db"

var knownKeys = map[string]bool{
	KeyServerURL:       true,
	KeyServerType:      true,
	KeyProfileState:    true,
	KeyProfileFarmSize: true,
	KeyProfileCrops:    true,
	KeyProfileLocale:   true,
}

// ErrUnknownKey is returned when setting a key outside the known set.
var ErrUnknownKey = errors.New("unknown preference key")

// Keys returns the known preference keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// =============================================================================
// STORE
// =============================================================================

// Store is a persistent key-value preference store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the preference database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create preferences directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key and whether it was set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores a value for a known key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if !knownKeys[key] {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an unset key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM preferences WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// All returns every stored preference.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM preferences ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// =============================================================================
// TYPED HELPERS
// =============================================================================

// Server returns the saved server URL and type. Either may be empty.
func (s *Store) Server(ctx context.Context) (url, serverType string, err error) {
	all, err := s.All(ctx)
	if err != nil {
		return "", "", err
	}
	return all[KeyServerURL], all[KeyServerType], nil
}

// SetServer saves the server URL and type together.
func (s *Store) SetServer(ctx context.Context, url, serverType string) error {
	if err := s.Set(ctx, KeyServerURL, url); err != nil {
		return err
	}
	return s.Set(ctx, KeyServerType, serverType)
}

// Profile returns the farm profile. Malformed farm sizes read as zero.
func (s *Store) Profile(ctx context.Context) (enrich.Profile, error) {
	all, err := s.All(ctx)
	if err != nil {
		return enrich.Profile{}, err
	}
	p := enrich.Profile{
		Locale: all[KeyProfileLocale],
		State:  all[KeyProfileState],
		Crops:  enrich.ParseCrops(all[KeyProfileCrops]),
	}
	if raw := strings.TrimSpace(all[KeyProfileFarmSize]); raw != "" {
		if size, err := strconv.ParseFloat(raw, 64); err == nil && size > 0 {
			p.FarmSizeAcres = size
		}
	}
	return p, nil
}

// SetProfile saves every profile field. Empty fields are deleted.
func (s *Store) SetProfile(ctx context.Context, p enrich.Profile) error {
	values := map[string]string{
		KeyProfileLocale: p.Locale,
		KeyProfileState:  p.State,
		KeyProfileCrops:  strings.Join(p.Crops, ","),
	}
	if p.FarmSizeAcres > 0 {
		values[KeyProfileFarmSize] = strconv.FormatFloat(p.FarmSizeAcres, 'f', -1, 64)
	} else {
		values[KeyProfileFarmSize] = ""
	}

	for key, value := range values {
		var err error
		if value == "" {
			err = s.Delete(ctx, key)
		} else {
			err = s.Set(ctx, key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
