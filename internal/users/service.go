package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxNicknameLength bounds nicknames in runes.
const MaxNicknameLength = 64

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidNickname indicates an empty or oversized nickname.
	ErrInvalidNickname = errors.New("users: invalid nickname")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers, provider identities and nicknames.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the board identity for the provided session claims, creating the identity mapping
// when the provider+subject pair has not been seen before.
func (s *Service) Resolve(claims auth.SessionClaims) (board.UserInfo, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return board.UserInfo{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if identity, ok := cached.(Identity); ok {
			return toUserInfo(identity), nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			Nickname:    defaultNickname(claims),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return board.UserInfo{}, err
		}
	} else if err != nil {
		return board.UserInfo{}, err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		updates["last_seen_at"] = s.now()
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity)
	return toUserInfo(identity), nil
}

// SetNickname persists a new nickname for every identity of userID.
func (s *Service) SetNickname(userID, nickname string) (string, error) {
	trimmed, err := NormalizeNickname(nickname)
	if err != nil {
		return "", err
	}
	if err := s.db.Model(&Identity{}).Where("user_id = ?", userID).Update("nickname", trimmed).Error; err != nil {
		return "", err
	}
	s.cache.Range(func(key, value any) bool {
		if identity, ok := value.(Identity); ok && identity.UserID == userID {
			identity.Nickname = trimmed
			s.cache.Store(key, identity)
		}
		return true
	})
	return trimmed, nil
}

// NormalizeNickname trims nickname and rejects empty or oversized values.
func NormalizeNickname(nickname string) (string, error) {
	trimmed := normalize(nickname)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxNicknameLength {
		return "", ErrInvalidNickname
	}
	return trimmed, nil
}

func toUserInfo(identity Identity) board.UserInfo {
	return board.UserInfo{
		Kind:     board.IdentityAuthenticated,
		UserID:   identity.UserID,
		Nickname: identity.Nickname,
		Email:    identity.Email,
	}
}

func defaultNickname(claims auth.SessionClaims) string {
	if display := normalize(claims.UserDisplayName); display != "" {
		return truncateRunes(display, MaxNicknameLength)
	}
	email := normalize(claims.UserEmail)
	if at := strings.Index(email, "@"); at > 0 {
		return truncateRunes(email[:at], MaxNicknameLength)
	}
	return "user"
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
