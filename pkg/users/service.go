// Package users resolves management users, materializing unknown usernames
// from an external identity provider on first reference.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
)

// IdentityProvider looks up users in an external directory. A nil result
// with a nil error means the provider does not know the username.
type IdentityProvider interface {
	FindByUsername(ctx context.Context, username string) (*api.User, error)
}

// Service provides user lookups.
type Service struct {
	repo     storage.UserRepository
	identity IdentityProvider
	logger   *observability.Logger
}

// NewService creates a new user service. identity may be nil when no
// external provider is configured.
func NewService(repo storage.UserRepository, identity IdentityProvider, logger *observability.Logger) *Service {
	return &Service{
		repo:     repo,
		identity: identity,
		logger:   logger,
	}
}

// FindByName returns the user with the given username.
func (s *Service) FindByName(ctx context.Context, username string) (*api.User, error) {
	user, err := s.repo.FindByName(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, api.NewUserNotFound(username)
		}
		return nil, api.NewTechnical(fmt.Sprintf("failed to find user %s", username), err)
	}
	return user, nil
}

// FindByNames returns the users matching the given usernames. Unknown
// names are silently omitted.
func (s *Service) FindByNames(ctx context.Context, usernames []string) ([]*api.User, error) {
	found, err := s.repo.FindByNames(ctx, usernames)
	if err != nil {
		return nil, api.NewTechnical("failed to find users", err)
	}
	return found, nil
}

// ResolveOrImport returns a local user, falling back to the external
// identity provider and creating a local record on first reference.
// Profile details will be refreshed on the user's first connection.
func (s *Service) ResolveOrImport(ctx context.Context, username string) (*api.User, error) {
	user, err := s.FindByName(ctx, username)
	if err == nil {
		return user, nil
	}
	if !api.IsNotFound(err) {
		return nil, err
	}

	if s.identity == nil {
		return nil, api.NewUserNotFound(username)
	}
	external, err := s.identity.FindByUsername(ctx, username)
	if err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("identity provider lookup failed for %s", username), err)
	}
	if external == nil {
		return nil, api.NewUserNotFound(username)
	}

	imported := &api.User{
		Username:  username,
		Firstname: external.Firstname,
		Lastname:  external.Lastname,
		Email:     external.Email,
		Source:    external.Source,
		SourceID:  external.SourceID,
	}
	if err := s.repo.Create(ctx, imported); err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to import user %s", username), err)
	}
	s.logger.WithField("user", username).Info("materialized user from identity provider")
	return imported, nil
}
