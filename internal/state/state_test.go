package state

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/manoslocales/fieldclient/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	s, err := NewStore(db, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestOpen_ErrorOnBadPath(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "settings.db")
	db, err := Open(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
}

func TestOpen_MigratesSettings(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !db.Migrator().HasTable(&domain.Setting{}) {
		t.Fatalf("expected settings table to exist")
	}

	var journalMode string
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}
}

func TestStore_GetMissingKey(t *testing.T) {
	s := openStore(t)
	v, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || v != "" {
		t.Fatalf("expected miss, got ok=%v v=%q", ok, v)
	}
}

func TestStore_SetOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "one"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", "two"); err != nil {
		t.Fatalf("Set again: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "two" {
		t.Fatalf("Get after overwrite: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestStore_TokenLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if tok := s.Token(); tok != "" {
		t.Fatalf("fresh store token = %q; want empty", tok)
	}

	if err := s.SetToken(ctx, "abc123"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if tok := s.Token(); tok != "abc123" {
		t.Fatalf("token = %q; want abc123", tok)
	}

	// A new Store over the same database must see the persisted token.
	again, err := NewStore(s.db, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if tok := again.Token(); tok != "abc123" {
		t.Fatalf("reloaded token = %q; want abc123", tok)
	}

	// Logout clears both cache and row.
	if err := s.SetToken(ctx, ""); err != nil {
		t.Fatalf("SetToken(\"\"): %v", err)
	}
	if tok := s.Token(); tok != "" {
		t.Fatalf("token after logout = %q; want empty", tok)
	}
	if _, ok, _ := s.Get(ctx, domain.SettingAuthToken); ok {
		t.Fatalf("auth token row survived logout")
	}
}

func TestStore_Onboarding(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	done, err := s.OnboardingDone(ctx)
	if err != nil || done {
		t.Fatalf("fresh OnboardingDone = %v, %v", done, err)
	}
	if err := s.MarkOnboardingDone(ctx); err != nil {
		t.Fatalf("MarkOnboardingDone: %v", err)
	}
	done, err = s.OnboardingDone(ctx)
	if err != nil || !done {
		t.Fatalf("OnboardingDone after mark = %v, %v", done, err)
	}
}

func TestStore_RatedFlags(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rated, err := s.Rated(ctx, 42)
	if err != nil || rated {
		t.Fatalf("fresh Rated = %v, %v", rated, err)
	}
	if err := s.MarkRated(ctx, 42); err != nil {
		t.Fatalf("MarkRated: %v", err)
	}
	rated, err = s.Rated(ctx, 42)
	if err != nil || !rated {
		t.Fatalf("Rated after mark = %v, %v", rated, err)
	}
	// Other requests stay unrated.
	if rated, _ := s.Rated(ctx, 43); rated {
		t.Fatalf("unrelated request reported rated")
	}
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	s := openStore(t)
	if err := s.Delete(context.Background(), "never-set"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
