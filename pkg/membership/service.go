// Package membership owns role assignments on APIs and enforces the
// primary-ownership invariant: every API has exactly one PRIMARY_OWNER
// membership, and a batch hydration that cannot resolve one is store
// corruption, not a partial result.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/async"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
	"github.com/meridianhq/meridian/pkg/users"
)

// Notification is a best-effort message to a member.
type Notification struct {
	To      string
	Subject string
	Params  map[string]string
}

// Notifier delivers member notifications. Delivery failure must never fail
// the membership write.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Service provides membership operations.
type Service struct {
	repo     storage.MembershipRepository
	users    *users.Service
	notifier Notifier
	logger   *observability.Logger
	now      func() time.Time
}

// NewService creates a new membership service. notifier may be nil.
func NewService(repo storage.MembershipRepository, userService *users.Service, notifier Notifier, logger *observability.Logger) *Service {
	return &Service{
		repo:     repo,
		users:    userService,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// CreatePrimaryOwner records the initial PRIMARY_OWNER membership for a
// freshly created API, stamped with the API's creation time.
func (s *Service) CreatePrimaryOwner(ctx context.Context, apiID, username string, createdAt time.Time) error {
	m := &api.Membership{
		UserID:        username,
		ReferenceID:   apiID,
		ReferenceType: api.MembershipReferenceAPI,
		Type:          api.MembershipPrimaryOwner,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return api.NewTechnical(fmt.Sprintf("failed to create primary owner for api %s", apiID), err)
	}
	return nil
}

// PrimaryOwners resolves the primary owner of every given API in one
// query. Missing owners corrupt the whole batch: callers must fail the
// request rather than silently omit one item.
func (s *Service) PrimaryOwners(ctx context.Context, apiIDs []string) (map[string]*api.User, error) {
	if len(apiIDs) == 0 {
		return map[string]*api.User{}, nil
	}

	memberships, err := s.repo.FindByReferencesAndType(ctx, api.MembershipReferenceAPI, apiIDs, api.MembershipPrimaryOwner)
	if err != nil {
		return nil, api.NewTechnical("failed to find primary owner memberships", err)
	}

	if missing := len(apiIDs) - len(memberships); missing > 0 {
		s.logger.WithFields(map[string]interface{}{
			"missing": missing,
			"apis":    strings.Join(apiIDs, " / "),
		}).Error("apis with no identified primary owner")
		return nil, api.NewInvariantViolation("%d apis have no identified primary owner in this list: %s", missing, strings.Join(apiIDs, " / "))
	}

	apiToUser := make(map[string]string, len(memberships))
	names := make([]string, 0, len(memberships))
	for _, m := range memberships {
		apiToUser[m.ReferenceID] = m.UserID
		names = append(names, m.UserID)
	}

	owners, err := s.users.FindByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*api.User, len(owners))
	for _, u := range owners {
		byName[u.Username] = u
	}

	result := make(map[string]*api.User, len(apiIDs))
	for apiID, username := range apiToUser {
		owner, ok := byName[username]
		if !ok {
			// The membership row exists but the user record is gone. Same
			// corruption as a missing membership: fail the batch.
			s.logger.WithFields(map[string]interface{}{
				"api":  apiID,
				"user": username,
			}).Error("primary owner has no user record")
			return nil, api.NewUserNotFound(username)
		}
		result[apiID] = owner
	}
	return result, nil
}

// AddOrUpdateMember upserts a membership, materializing the user from the
// identity provider when unknown, and fires a best-effort notification.
func (s *Service) AddOrUpdateMember(ctx context.Context, apiID, username string, membershipType api.MembershipType) (*api.Member, error) {
	user, err := s.users.ResolveOrImport(ctx, username)
	if err != nil {
		return nil, err
	}

	now := s.now()
	existing, err := s.repo.FindByID(ctx, username, api.MembershipReferenceAPI, apiID)
	switch {
	case err == nil:
		existing.Type = membershipType
		existing.UpdatedAt = now
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, api.NewTechnical(fmt.Sprintf("failed to update member %s for api %s", username, apiID), err)
		}
	case errors.Is(err, storage.ErrNotFound):
		existing = &api.Membership{
			UserID:        username,
			ReferenceID:   apiID,
			ReferenceType: api.MembershipReferenceAPI,
			Type:          membershipType,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.Create(ctx, existing); err != nil {
			return nil, api.NewTechnical(fmt.Sprintf("failed to create member %s for api %s", username, apiID), err)
		}
	default:
		return nil, api.NewTechnical(fmt.Sprintf("failed to find member %s for api %s", username, apiID), err)
	}

	if s.notifier != nil && user.Email != "" {
		notification := Notification{
			To:      user.Email,
			Subject: fmt.Sprintf("Subscription to API %s", apiID),
			Params:  map[string]string{"api": apiID, "username": username},
		}
		async.SafeGo(context.Background(), 10*time.Second, "member notification", s.logger, func(ctx context.Context) error {
			return s.notifier.Notify(ctx, notification)
		})
	}

	return memberOf(existing, user), nil
}

// DeleteMember removes a user's membership on an API.
func (s *Service) DeleteMember(ctx context.Context, apiID, username string) error {
	if _, err := s.users.FindByName(ctx, username); err != nil {
		return err
	}
	m := &api.Membership{
		UserID:        username,
		ReferenceID:   apiID,
		ReferenceType: api.MembershipReferenceAPI,
	}
	if err := s.repo.Delete(ctx, m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return api.NewMemberNotFound(apiID, username)
		}
		return api.NewTechnical(fmt.Sprintf("failed to delete member %s for api %s", username, apiID), err)
	}
	return nil
}

// Members lists the members of an API, optionally filtered by role.
func (s *Service) Members(ctx context.Context, apiID string, membershipType api.MembershipType) ([]*api.Member, error) {
	memberships, err := s.repo.FindByReferenceAndType(ctx, api.MembershipReferenceAPI, apiID, membershipType)
	if err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to find members for api %s", apiID), err)
	}

	members := make([]*api.Member, 0, len(memberships))
	for _, m := range memberships {
		user, err := s.users.FindByName(ctx, m.UserID)
		if err != nil {
			return nil, err
		}
		members = append(members, memberOf(m, user))
	}
	return members, nil
}

// Member returns one user's membership on an API, or nil when absent.
func (s *Service) Member(ctx context.Context, apiID, username string) (*api.Member, error) {
	m, err := s.repo.FindByID(ctx, username, api.MembershipReferenceAPI, apiID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, api.NewTechnical(fmt.Sprintf("failed to find member %s for api %s", username, apiID), err)
	}
	user, err := s.users.FindByName(ctx, username)
	if err != nil {
		return nil, err
	}
	return memberOf(m, user), nil
}

// ApiIDsForUser returns the ids of APIs the user holds any role on.
func (s *Service) ApiIDsForUser(ctx context.Context, username string) ([]string, error) {
	memberships, err := s.repo.FindByUserAndReferenceType(ctx, username, api.MembershipReferenceAPI)
	if err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to find memberships for user %s", username), err)
	}
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.ReferenceID)
	}
	return ids, nil
}

func memberOf(m *api.Membership, user *api.User) *api.Member {
	created := m.CreatedAt
	updated := m.UpdatedAt
	return &api.Member{
		Username:  user.Username,
		Firstname: user.Firstname,
		Lastname:  user.Lastname,
		Email:     user.Email,
		Type:      m.Type,
		CreatedAt: &created,
		UpdatedAt: &updated,
	}
}
