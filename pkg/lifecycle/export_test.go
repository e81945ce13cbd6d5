package lifecycle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/api"
)

func TestExportStripsEnvironmentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	require.NoError(t, f.repos.Pages.Create(ctx, &api.Page{
		ID:    "page-1",
		ApiID: created.ID,
		Name:  "Getting started",
		Type:  "MARKDOWN",
	}))

	out, err := f.svc.ExportAsJSON(ctx, created.ID)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &raw))

	assert.NotContains(t, raw, "id")
	assert.NotContains(t, raw, "created_at")
	assert.NotContains(t, raw, "updated_at")
	assert.NotContains(t, raw, "deployed_at")
	assert.NotContains(t, raw, "state")
	assert.NotContains(t, raw, "picture")
	assert.NotContains(t, raw, "primary_owner")

	assert.Equal(t, "orders", raw["name"])

	members, ok := raw["members"].([]interface{})
	require.True(t, ok)
	require.Len(t, members, 1)
	owner := members[0].(map[string]interface{})
	assert.Equal(t, "alice", owner["username"])
	assert.NotContains(t, owner, "created_at")

	pages, ok := raw["pages"].([]interface{})
	require.True(t, ok)
	require.Len(t, pages, 1)
}

func TestImportCreatesApiWithMembersAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repos.Users.Create(ctx, &api.User{
		Username: "bob",
		Email:    "bob@example.com",
	}))

	payload := []byte(`{
		"name": "payments",
		"version": "1.0",
		"description": "payment service",
		"proxy": {
			"context_path": "/payments",
			"endpoints": [{"name": "default", "target": "http://payments:8080"}]
		},
		"members": [
			{"username": "bob", "type": "OWNER"}
		],
		"pages": [
			{"name": "Overview", "type": "MARKDOWN", "content": "# Payments"}
		]
	}`)

	details, err := f.svc.CreateOrUpdateWithDefinition(ctx, payload, "alice")
	require.NoError(t, err)

	assert.Equal(t, "payments", details.Name)
	assert.Equal(t, "/payments", details.Proxy.ContextPath)
	require.NotNil(t, details.PrimaryOwner)
	assert.Equal(t, "alice", details.PrimaryOwner.Username)

	members, err := f.svc.members.Members(ctx, details.ID, "")
	require.NoError(t, err)
	require.Len(t, members, 2)

	pages, err := f.repos.Pages.FindByApi(ctx, details.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "Overview", pages[0].Name)
}

func TestImportUnknownMemberIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte(`{
		"name": "payments",
		"version": "1.0",
		"proxy": {
			"context_path": "/payments",
			"endpoints": [{"target": "http://payments:8080"}]
		},
		"members": [{"username": "ghost", "type": "USER"}]
	}`)

	details, err := f.svc.CreateOrUpdateWithDefinition(ctx, payload, "alice")
	require.NoError(t, err)

	members, err := f.svc.members.Members(ctx, details.ID, "")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].Username)
}

func TestImportWithKnownIDUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	payload, err := json.Marshal(map[string]interface{}{
		"id":      created.ID,
		"name":    "orders renamed",
		"version": "2.0",
		"proxy": map[string]interface{}{
			"context_path": "/orders",
			"endpoints":    []map[string]interface{}{{"target": "http://backend:8080"}},
		},
	})
	require.NoError(t, err)

	details, err := f.svc.CreateOrUpdateWithDefinition(ctx, payload, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, details.ID)
	assert.Equal(t, "orders renamed", details.Name)
	assert.Equal(t, "2.0", details.Version)
	assert.Equal(t, created.CreatedAt, details.CreatedAt)
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	out, err := f.svc.ExportAsJSON(ctx, created.ID)
	require.NoError(t, err)

	// Delete the original so the import does not collide on context path.
	_, err = f.svc.Delete(ctx, created.ID, "alice")
	require.NoError(t, err)

	imported, err := f.svc.CreateOrUpdateWithDefinition(ctx, out, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, imported.ID)
	assert.Equal(t, created.Name, imported.Name)
	assert.Equal(t, created.Proxy.ContextPath, imported.Proxy.ContextPath)
	assert.Equal(t, created.Paths, imported.Paths)
}
