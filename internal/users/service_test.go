package users

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	user, err := service.Resolve(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.UserID != "12345" || user.Kind != board.IdentityAuthenticated {
		t.Fatalf("unexpected identity: %+v", user)
	}
	if user.Nickname != "Example User" || user.Email != "user@example.com" {
		t.Fatalf("unexpected profile: %+v", user)
	}

	user, err = service.Resolve(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if user.UserID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", user.UserID)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count identities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity, got %d", count)
	}
}

func TestResolveDerivesNicknameFromEmail(t *testing.T) {
	service, _ := newTestService(t)
	user, err := service.Resolve(auth.SessionClaims{UserID: "u-7", UserEmail: "casey@example.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.Nickname != "casey" {
		t.Fatalf("expected nickname from email, got %q", user.Nickname)
	}
}

func TestResolveRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.Resolve(auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestSetNicknamePersistsAndRefreshesCache(t *testing.T) {
	service, db := newTestService(t)
	claims := auth.SessionClaims{UserID: "u-1", UserEmail: "ann@example.com"}
	if _, err := service.Resolve(claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	nickname, err := service.SetNickname("u-1", "  Ann  ")
	if err != nil {
		t.Fatalf("set nickname failed: %v", err)
	}
	if nickname != "Ann" {
		t.Fatalf("expected trimmed nickname, got %q", nickname)
	}
	user, err := service.Resolve(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.Nickname != "Ann" {
		t.Fatalf("expected cached nickname to update, got %q", user.Nickname)
	}
	var stored Identity
	if err := db.Where("user_id = ?", "u-1").Take(&stored).Error; err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if stored.Nickname != "Ann" {
		t.Fatalf("expected persisted nickname, got %q", stored.Nickname)
	}

	for _, invalid := range []string{"", "   ", strings.Repeat("x", MaxNicknameLength+1)} {
		if _, err := service.SetNickname("u-1", invalid); !errors.Is(err, ErrInvalidNickname) {
			t.Fatalf("expected ErrInvalidNickname for %q, got %v", invalid, err)
		}
	}
}
