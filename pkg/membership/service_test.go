package membership

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
	"github.com/meridianhq/meridian/pkg/users"
)

type staticIdentity map[string]*api.User

func (p staticIdentity) FindByUsername(ctx context.Context, username string) (*api.User, error) {
	return p[username], nil
}

type captureNotifier struct {
	ch chan Notification
}

func (n *captureNotifier) Notify(ctx context.Context, msg Notification) error {
	n.ch <- msg
	return nil
}

func newService(t *testing.T, identity users.IdentityProvider, notifier Notifier) (*Service, storage.Repositories) {
	t.Helper()
	repos := storage.NewMemoryStore().Repositories()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	userService := users.NewService(repos.Users, identity, logger)
	return NewService(repos.Memberships, userService, notifier, logger), repos
}

func seedUser(t *testing.T, repos storage.Repositories, username, email string) {
	t.Helper()
	require.NoError(t, repos.Users.Create(context.Background(), &api.User{
		Username: username,
		Email:    email,
	}))
}

func TestPrimaryOwners(t *testing.T) {
	svc, repos := newService(t, nil, nil)
	ctx := context.Background()

	seedUser(t, repos, "alice", "alice@example.com")
	seedUser(t, repos, "bob", "bob@example.com")
	require.NoError(t, svc.CreatePrimaryOwner(ctx, "api-1", "alice", time.Now()))
	require.NoError(t, svc.CreatePrimaryOwner(ctx, "api-2", "bob", time.Now()))

	owners, err := svc.PrimaryOwners(ctx, []string{"api-1", "api-2"})
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.Equal(t, "alice", owners["api-1"].Username)
	assert.Equal(t, "bob", owners["api-2"].Username)
}

func TestPrimaryOwnersMissingOwnerFailsBatch(t *testing.T) {
	svc, repos := newService(t, nil, nil)
	ctx := context.Background()

	seedUser(t, repos, "alice", "alice@example.com")
	require.NoError(t, svc.CreatePrimaryOwner(ctx, "api-1", "alice", time.Now()))

	_, err := svc.PrimaryOwners(ctx, []string{"api-1", "api-orphan"})
	require.Error(t, err)
	assert.Equal(t, api.KindInvariantViolation, api.KindOf(err))
}

func TestPrimaryOwnersMissingUserRecordFailsBatch(t *testing.T) {
	svc, repos := newService(t, nil, nil)
	ctx := context.Background()

	seedUser(t, repos, "alice", "alice@example.com")
	require.NoError(t, svc.CreatePrimaryOwner(ctx, "api-1", "alice", time.Now()))
	// The membership survives the user record.
	require.NoError(t, svc.CreatePrimaryOwner(ctx, "api-2", "ghost", time.Now()))

	_, err := svc.PrimaryOwners(ctx, []string{"api-1", "api-2"})
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestPrimaryOwnersEmptyInput(t *testing.T) {
	svc, _ := newService(t, nil, nil)

	owners, err := svc.PrimaryOwners(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestAddOrUpdateMemberUpserts(t *testing.T) {
	svc, repos := newService(t, nil, nil)
	ctx := context.Background()
	seedUser(t, repos, "bob", "bob@example.com")

	created, err := svc.AddOrUpdateMember(ctx, "api-1", "bob", api.MembershipUser)
	require.NoError(t, err)
	assert.Equal(t, api.MembershipUser, created.Type)

	promoted, err := svc.AddOrUpdateMember(ctx, "api-1", "bob", api.MembershipOwner)
	require.NoError(t, err)
	assert.Equal(t, api.MembershipOwner, promoted.Type)
	assert.Equal(t, *created.CreatedAt, *promoted.CreatedAt)

	members, err := svc.Members(ctx, "api-1", "")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestAddOrUpdateMemberImportsFromIdentityProvider(t *testing.T) {
	identity := staticIdentity{
		"carol": {Username: "carol", Email: "carol@corp.example", Source: "ldap", SourceID: "cn=carol"},
	}
	svc, repos := newService(t, identity, nil)
	ctx := context.Background()

	member, err := svc.AddOrUpdateMember(ctx, "api-1", "carol", api.MembershipUser)
	require.NoError(t, err)
	assert.Equal(t, "carol@corp.example", member.Email)

	// The user is now materialized locally.
	local, err := repos.Users.FindByName(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "ldap", local.Source)
}

func TestAddOrUpdateMemberUnknownUser(t *testing.T) {
	svc, _ := newService(t, staticIdentity{}, nil)

	_, err := svc.AddOrUpdateMember(context.Background(), "api-1", "ghost", api.MembershipUser)
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestAddOrUpdateMemberNotifies(t *testing.T) {
	notifier := &captureNotifier{ch: make(chan Notification, 1)}
	svc, repos := newService(t, nil, notifier)
	seedUser(t, repos, "bob", "bob@example.com")

	_, err := svc.AddOrUpdateMember(context.Background(), "api-1", "bob", api.MembershipUser)
	require.NoError(t, err)

	select {
	case msg := <-notifier.ch:
		assert.Equal(t, "bob@example.com", msg.To)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification")
	}
}

func TestDeleteMember(t *testing.T) {
	svc, repos := newService(t, nil, nil)
	ctx := context.Background()
	seedUser(t, repos, "bob", "bob@example.com")

	_, err := svc.AddOrUpdateMember(ctx, "api-1", "bob", api.MembershipUser)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMember(ctx, "api-1", "bob"))

	err = svc.DeleteMember(ctx, "api-1", "bob")
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestMemberAbsentIsNil(t *testing.T) {
	svc, repos := newService(t, nil, nil)
	seedUser(t, repos, "bob", "bob@example.com")

	member, err := svc.Member(context.Background(), "api-1", "bob")
	require.NoError(t, err)
	assert.Nil(t, member)
}

func TestMembersFilterByRole(t *testing.T) {
	svc, repos := newService(t, nil, nil)
	ctx := context.Background()
	seedUser(t, repos, "alice", "alice@example.com")
	seedUser(t, repos, "bob", "bob@example.com")
	require.NoError(t, svc.CreatePrimaryOwner(ctx, "api-1", "alice", time.Now()))
	_, err := svc.AddOrUpdateMember(ctx, "api-1", "bob", api.MembershipUser)
	require.NoError(t, err)

	owners, err := svc.Members(ctx, "api-1", api.MembershipPrimaryOwner)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "alice", owners[0].Username)

	all, err := svc.Members(ctx, "api-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
