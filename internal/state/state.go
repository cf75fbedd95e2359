// Package state persists small client-side key/value settings in SQLite:
// the auth token, the onboarding flag, and per-request "already rated"
// markers. Everything else the client shows is server state fetched over
// REST; this store is only for what must survive a restart.
package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/manoslocales/fieldclient/internal/domain"
)

// Open opens (or creates) the settings database and applies PRAGMAs.
func Open(path string) (*gorm.DB, error) {
	// Fail early if the parent directory does not exist (instead of the
	// sqlite "out of memory (14)" error on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool: a single-user client store needs very little.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&domain.Setting{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store reads and writes settings. The auth token is additionally cached in
// memory so Token never touches the database on the request path.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewStore wraps an open settings database and warms the token cache.
func NewStore(db *gorm.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{db: db, log: log.With().Str("component", "state").Logger()}
	tok, _, err := s.Get(context.Background(), domain.SettingAuthToken)
	if err != nil {
		return nil, err
	}
	s.token = tok
	return s, nil
}

// Get returns the value for key. The second return is false when the key has
// never been written; that is not an error.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var row domain.Setting
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// Set writes key to value, inserting or overwriting.
func (s *Store) Set(ctx context.Context, key, value string) error {
	row := domain.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&domain.Setting{}, "key = ?", key).Error
}

// Token returns the cached auth token, or "" when logged out. Implements
// api.TokenSource.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken persists the auth token and updates the cache. An empty token
// clears the stored credential (logout).
func (s *Store) SetToken(ctx context.Context, token string) error {
	var err error
	if token == "" {
		err = s.Delete(ctx, domain.SettingAuthToken)
	} else {
		err = s.Set(ctx, domain.SettingAuthToken, token)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// OnboardingDone reports whether the first-run flow has been completed.
func (s *Store) OnboardingDone(ctx context.Context) (bool, error) {
	v, ok, err := s.Get(ctx, domain.SettingOnboarding)
	if err != nil {
		return false, err
	}
	return ok && v == "1", nil
}

// MarkOnboardingDone records completion of the first-run flow.
func (s *Store) MarkOnboardingDone(ctx context.Context) error {
	return s.Set(ctx, domain.SettingOnboarding, "1")
}

// Rated reports whether the given request was already rated locally.
func (s *Store) Rated(ctx context.Context, requestID int64) (bool, error) {
	_, ok, err := s.Get(ctx, ratedKey(requestID))
	return ok, err
}

// MarkRated records that the given request was rated, suppressing future
// rating prompts for it.
func (s *Store) MarkRated(ctx context.Context, requestID int64) error {
	return s.Set(ctx, ratedKey(requestID), "1")
}

func ratedKey(requestID int64) string {
	return domain.SettingRatedPrefix + strconv.FormatInt(requestID, 10)
}
