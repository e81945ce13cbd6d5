package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/events"
	"github.com/meridianhq/meridian/pkg/membership"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
	"github.com/meridianhq/meridian/pkg/users"
)

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	repos storage.Repositories
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	repos := store.Repositories()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(nil)

	userService := users.NewService(repos.Users, nil, logger)
	memberService := membership.NewService(repos.Memberships, userService, nil, logger)
	eventService := events.NewService(repos.Events, logger)

	svc := NewService(repos, eventService, memberService, nil, logger, metrics, "")

	f := &fixture{
		svc:   svc,
		store: store,
		repos: repos,
		clock: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	svc.now = f.now
	eventService.SetClock(f.now)

	require.NoError(t, repos.Users.Create(context.Background(), &api.User{
		Username: "alice",
		Email:    "alice@example.com",
	}))
	return f
}

// now returns a strictly increasing clock so every write gets a distinct
// timestamp.
func (f *fixture) now() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) createApi(t *testing.T, contextPath string) *api.ApiDetails {
	t.Helper()
	details, err := f.svc.Create(context.Background(), &api.NewApi{
		Name:        "orders",
		Version:     "1.0",
		Description: "order management",
		ContextPath: contextPath,
		Endpoint:    "http://backend:8080",
	}, "alice")
	require.NoError(t, err)
	return details
}

func TestCreateApi(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	details := f.createApi(t, "/orders")

	assert.NotEmpty(t, details.ID)
	assert.Equal(t, api.LifecycleStopped, details.State)
	assert.Equal(t, api.VisibilityPrivate, details.Visibility)
	assert.Equal(t, details.CreatedAt, details.UpdatedAt)
	assert.Nil(t, details.DeployedAt)
	assert.Equal(t, "/orders", details.Proxy.ContextPath)

	require.NotNil(t, details.PrimaryOwner)
	assert.Equal(t, "alice", details.PrimaryOwner.Username)

	// The default path carries the api-key policy.
	require.Contains(t, details.Paths, "/")
	require.Len(t, details.Paths["/"], 1)
	assert.Equal(t, "api-key", details.Paths["/"][0].Policy.Name)

	// The creator's membership is stamped with the API's creation time.
	m, err := f.repos.Memberships.FindByID(ctx, "alice", api.MembershipReferenceAPI, details.ID)
	require.NoError(t, err)
	assert.Equal(t, api.MembershipPrimaryOwner, m.Type)
	assert.Equal(t, details.CreatedAt, m.CreatedAt)
	assert.Equal(t, m.CreatedAt, m.UpdatedAt)
}

func TestCreateApiContextPathCollision(t *testing.T) {
	f := newFixture(t)

	f.createApi(t, "/orders")

	_, err := f.svc.Create(context.Background(), &api.NewApi{
		Name:        "orders-v2",
		Version:     "2.0",
		ContextPath: "/orders/v2",
		Endpoint:    "http://backend:8080",
	}, "alice")
	require.Error(t, err)
	assert.Equal(t, api.KindConflict, api.KindOf(err))
}

func TestCreateApiSiblingContextPathAllowed(t *testing.T) {
	f := newFixture(t)

	f.createApi(t, "/orders/v1")

	_, err := f.svc.Create(context.Background(), &api.NewApi{
		Name:        "orders-v2",
		Version:     "2.0",
		ContextPath: "/orders/v2",
		Endpoint:    "http://backend:8080",
	}, "alice")
	assert.NoError(t, err)
}

func TestStartWithoutDeployment(t *testing.T) {
	f := newFixture(t)
	details := f.createApi(t, "/orders")

	_, err := f.svc.Start(context.Background(), details.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, api.KindTechnical, api.KindOf(err))
	assert.Contains(t, err.Error(), "no event found")
}

func TestDeployThenStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	deployed, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)
	require.NotNil(t, deployed.DeployedAt)
	assert.Equal(t, *deployed.DeployedAt, deployed.UpdatedAt)

	started, err := f.svc.Start(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, api.LifecycleStarted, started.State)
	assert.True(t, started.UpdatedAt.After(deployed.UpdatedAt))
	// Starting is not a deployment: the stamp stays at the publish time.
	require.NotNil(t, started.DeployedAt)
	assert.Equal(t, *deployed.DeployedAt, *started.DeployedAt)

	events, err := f.svc.Events(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, api.EventStartAPI, events[0].Type)
	assert.Equal(t, api.EventPublishAPI, events[1].Type)
	assert.Equal(t, "alice", events[0].Properties[api.EventPropertyUsername])
	assert.Equal(t, created.ID, events[0].Properties[api.EventPropertyAPIID])
}

func TestStartAlreadyStartedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	_, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)
	first, err := f.svc.Start(ctx, created.ID, "alice")
	require.NoError(t, err)

	again, err := f.svc.Start(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, api.LifecycleStarted, again.State)
	assert.True(t, again.UpdatedAt.After(first.UpdatedAt))

	events, err := f.svc.Events(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, api.EventStartAPI, events[0].Type)
	assert.Equal(t, api.EventStartAPI, events[1].Type)
}

func TestStartEventCarriesLastPublishedDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	_, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)

	// Edit after publishing. The gateway must keep serving the published
	// endpoint, while the stored record keeps the pending edit.
	upd := updateFrom(created)
	upd.Proxy.Endpoints = []api.Endpoint{{Name: "default", Target: "http://edited:9090"}}
	_, err = f.svc.Update(ctx, created.ID, upd, "alice")
	require.NoError(t, err)

	started, err := f.svc.Start(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, api.LifecycleStarted, started.State)
	require.Len(t, started.Proxy.Endpoints, 1)
	assert.Equal(t, "http://edited:9090", started.Proxy.Endpoints[0].Target)

	events, err := f.svc.Events(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, api.EventStartAPI, events[0].Type)

	var snapshot api.Api
	require.NoError(t, json.Unmarshal([]byte(events[0].Payload), &snapshot))
	assert.Equal(t, api.LifecycleStarted, snapshot.Lifecycle)
	var def api.Definition
	require.NoError(t, json.Unmarshal([]byte(snapshot.Definition), &def))
	require.Len(t, def.Proxy.Endpoints, 1)
	assert.Equal(t, "http://backend:8080", def.Proxy.Endpoints[0].Target)

	// The edit is still pending deployment.
	assert.False(t, f.svc.IsSynchronized(ctx, created.ID))
}

func TestDeployUnpublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	_, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)
	unpublished, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventUnpublishAPI)
	require.NoError(t, err)
	require.NotNil(t, unpublished.DeployedAt)
	assert.Equal(t, *unpublished.DeployedAt, unpublished.UpdatedAt)

	events, err := f.svc.Events(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, api.EventUnpublishAPI, events[0].Type)
	assert.Equal(t, api.EventPublishAPI, events[1].Type)
}

func TestDeployRejectsLifecycleEventTypes(t *testing.T) {
	f := newFixture(t)
	created := f.createApi(t, "/orders")

	_, err := f.svc.Deploy(context.Background(), created.ID, "alice", api.EventStartAPI)
	require.Error(t, err)
	assert.Equal(t, api.KindTechnical, api.KindOf(err))
}

func TestUpdatePreservesLifecycleFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")
	_, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)

	upd := updateFrom(created)
	upd.Description = "new description"
	upd.Picture = "data:image/png;base64,aGk="
	updated, err := f.svc.Update(ctx, created.ID, upd, "alice")
	require.NoError(t, err)

	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.NotNil(t, updated.DeployedAt)
	assert.Equal(t, api.LifecycleStopped, updated.State)
	assert.Equal(t, "new description", updated.Description)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	// An empty picture on a later update keeps the stored one.
	again := updateFrom(updated)
	again.Picture = ""
	kept, err := f.svc.Update(ctx, created.ID, again, "alice")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,aGk=", kept.Picture)
}

func TestUpdateContextPathCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createApi(t, "/orders")

	second, err := f.svc.Create(ctx, &api.NewApi{
		Name:        "billing",
		Version:     "1.0",
		ContextPath: "/billing",
		Endpoint:    "http://backend:8080",
	}, "alice")
	require.NoError(t, err)

	upd := updateFrom(second)
	upd.Proxy.ContextPath = "/orders"
	_, err = f.svc.Update(ctx, second.ID, upd, "alice")
	require.Error(t, err)
	assert.Equal(t, api.KindConflict, api.KindOf(err))

	// Updating an API onto its own path is never a collision.
	own := updateFrom(first)
	_, err = f.svc.Update(ctx, first.ID, own, "alice")
	assert.NoError(t, err)
}

func TestDeleteRunningApi(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	_, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, created.ID, "alice")
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, created.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, api.KindConflict, api.KindOf(err))
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")
	_, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)

	f.store.AddKey(&api.ApiKey{Key: "key-1", Api: created.ID, Application: "app-1"})
	f.store.AddKey(&api.ApiKey{Key: "key-2", Api: created.ID, Application: "app-2"})

	deletions, err := f.svc.Delete(ctx, created.ID, "alice")
	require.NoError(t, err)
	require.Len(t, deletions, 2)
	for _, d := range deletions {
		assert.Empty(t, d.Error)
	}

	_, err = f.svc.FindByID(ctx, created.ID)
	assert.True(t, api.IsNotFound(err))

	remaining, err := f.repos.Events.FindByApi(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	keys, err := f.repos.Keys.FindByApi(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)

	memberships, err := f.repos.Memberships.FindByReferenceAndType(ctx, api.MembershipReferenceAPI, created.ID, "")
	require.NoError(t, err)
	assert.Empty(t, memberships)
}

func TestFindByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	mine, err := f.svc.FindByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, created.ID, mine[0].ID)

	none, err := f.svc.FindByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCountByApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	f.store.AddKey(&api.ApiKey{Key: "key-1", Api: created.ID, Application: "app-1"})
	f.store.AddKey(&api.ApiKey{Key: "key-2", Api: created.ID, Application: "app-1"})

	count, err := f.svc.CountByApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteViewFromApis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	upd := updateFrom(created)
	upd.Views = []string{"store", "internal"}
	_, err := f.svc.Update(ctx, created.ID, upd, "alice")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteViewFromApis(ctx, "internal"))

	details, err := f.svc.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"store"}, details.Views)
}

func TestRollbackRestoresDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")
	_, err := f.svc.Deploy(ctx, created.ID, "alice", api.EventPublishAPI)
	require.NoError(t, err)

	upd := updateFrom(created)
	upd.Proxy.Endpoints = []api.Endpoint{{Name: "default", Target: "http://edited:9090"}}
	_, err = f.svc.Update(ctx, created.ID, upd, "alice")
	require.NoError(t, err)

	restored, err := f.svc.Rollback(ctx, created.ID, updateFrom(created), "alice")
	require.NoError(t, err)
	require.Len(t, restored.Proxy.Endpoints, 1)
	assert.Equal(t, "http://backend:8080", restored.Proxy.Endpoints[0].Target)
}

// updateFrom builds an update request reproducing the details' current
// definition.
func updateFrom(details *api.ApiDetails) *api.UpdateApi {
	return &api.UpdateApi{
		Name:        details.Name,
		Version:     details.Version,
		Description: details.Description,
		Proxy:       details.Proxy,
		Paths:       details.Paths,
		Services:    details.Services,
		Resources:   details.Resources,
		Properties:  details.Properties,
		Tags:        details.Tags,
		Views:       details.Views,
		Visibility:  details.Visibility,
		Picture:     details.Picture,
	}
}
