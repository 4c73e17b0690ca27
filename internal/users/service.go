// Package users is the registry of sync principals: it resolves a validated
// token subject to a principal id and keeps a last-seen record for each
// device-owning account the gateway serves.
package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giftcircle/giftcircle/backend/internal/document"
	"gorm.io/gorm"
)

// ErrInvalidPrincipal indicates the token subject is not a usable identifier.
var ErrInvalidPrincipal = errors.New("users: invalid principal")

// Profile carries the optional descriptive fields attached to a principal.
type Profile struct {
	Email       string
	DisplayName string
}

// ServiceConfig describes the dependencies required for principal resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the principal registry.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the principal registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolvePrincipal validates the token subject, records the principal on
// first sight, and refreshes its last-seen timestamp and profile afterwards.
func (s *Service) ResolvePrincipal(subject string, profile Profile) (document.PrincipalID, error) {
	principalID, err := document.NewPrincipalID(subject)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPrincipal, subject)
	}

	if _, seen := s.cache.Load(principalID.String()); seen {
		// Known principal: refresh last-seen out of the request's hot path
		// semantics but still synchronously, the update is a single row.
		s.refresh(principalID.String(), profile)
		return principalID, nil
	}

	var principal Principal
	err = s.db.
		Where("principal_id = ?", principalID.String()).
		First(&principal).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		principal = Principal{
			ID:          principalID.String(),
			Email:       normalize(profile.Email),
			DisplayName: normalize(profile.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&principal).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		s.refresh(principalID.String(), profile)
	}

	s.cache.Store(principalID.String(), struct{}{})
	return principalID, nil
}

// Lookup returns the stored record for a principal, or nil when unknown.
func (s *Service) Lookup(principalID document.PrincipalID) (*Principal, error) {
	var principal Principal
	err := s.db.
		Where("principal_id = ?", principalID.String()).
		First(&principal).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &principal, nil
}

func (s *Service) refresh(principalID string, profile Profile) {
	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(profile.Email); email != "" {
		updates["email"] = email
	}
	if display := normalize(profile.DisplayName); display != "" {
		updates["display_name"] = display
	}
	_ = s.db.Model(&Principal{}).
		Where("principal_id = ?", principalID).
		Updates(updates).
		Error
}
