package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/storage"
)

var apiCols = []string{
	"id", "name", "version", "description", "definition", "visibility",
	"lifecycle_state", "picture", "created_at", "updated_at", "deployed_at",
	"record_version",
}

func newMockStore(t *testing.T) (storage.Repositories, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, 5*time.Second).Repositories(), mock
}

func apiRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(apiCols).AddRow(
		"api-1", "orders", "1.0", "order management", `{"proxy":{"context_path":"/orders"}}`,
		"PRIVATE", "STOPPED", "", now, now, nil, int64(0),
	)
}

func TestApiFindByID(t *testing.T) {
	repos, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM apis WHERE id = \$1`).
		WithArgs("api-1").
		WillReturnRows(apiRow(now))

	a, err := repos.Apis.FindByID(context.Background(), "api-1")
	require.NoError(t, err)
	assert.Equal(t, "orders", a.Name)
	assert.Equal(t, api.VisibilityPrivate, a.Visibility)
	assert.Nil(t, a.DeployedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApiFindByIDNotFound(t *testing.T) {
	repos, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM apis WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(apiCols))

	_, err := repos.Apis.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApiUpdateVersionConflict(t *testing.T) {
	repos, mock := newMockStore(t)
	now := time.Now()

	// The guarded UPDATE matches no row, but the record still exists: the
	// caller lost a version race.
	mock.ExpectQuery(`UPDATE apis`).
		WillReturnRows(sqlmock.NewRows(apiCols))
	mock.ExpectQuery(`SELECT .+ FROM apis WHERE id = \$1`).
		WithArgs("api-1").
		WillReturnRows(apiRow(now))

	_, err := repos.Apis.Update(context.Background(), &api.Api{
		ID:            "api-1",
		RecordVersion: 3,
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApiUpdateGoneRow(t *testing.T) {
	repos, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE apis`).
		WillReturnRows(sqlmock.NewRows(apiCols))
	mock.ExpectQuery(`SELECT .+ FROM apis WHERE id = \$1`).
		WithArgs("api-1").
		WillReturnRows(sqlmock.NewRows(apiCols))

	_, err := repos.Apis.Update(context.Background(), &api.Api{ID: "api-1"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApiUpdateIncrementsVersion(t *testing.T) {
	repos, mock := newMockStore(t)
	now := time.Now()

	returned := sqlmock.NewRows(apiCols).AddRow(
		"api-1", "orders", "1.0", "", "{}", "PRIVATE", "STOPPED", "",
		now, now, nil, int64(4),
	)
	mock.ExpectQuery(`UPDATE apis`).
		WillReturnRows(returned)

	updated, err := repos.Apis.Update(context.Background(), &api.Api{
		ID:            "api-1",
		Name:          "orders",
		Version:       "1.0",
		Visibility:    api.VisibilityPrivate,
		Lifecycle:     api.LifecycleStopped,
		RecordVersion: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated.RecordVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApiDeleteNotFound(t *testing.T) {
	repos, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM apis WHERE id = \$1`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repos.Apis.Delete(context.Background(), "missing"), storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventSearch(t *testing.T) {
	repos, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "type", "payload", "properties", "created_at"}).
		AddRow("e1", "PUBLISH_API", "{}", []byte(`{"api_id":"api-1","username":"alice"}`), now)
	mock.ExpectQuery(`SELECT id, type, payload, properties, created_at FROM events`).
		WithArgs("api-1", sqlmock.AnyArg(), 1).
		WillReturnRows(rows)

	events, err := repos.Events.Search(context.Background(), "api-1",
		[]api.EventType{api.EventPublishAPI, api.EventUnpublishAPI}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, api.EventPublishAPI, events[0].Type)
	assert.Equal(t, "alice", events[0].Properties["username"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMembershipUpdateNotFound(t *testing.T) {
	repos, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE memberships`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repos.Memberships.Update(context.Background(), &api.Membership{
		UserID:        "alice",
		ReferenceID:   "api-1",
		ReferenceType: api.MembershipReferenceAPI,
		Type:          api.MembershipOwner,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserFindByNames(t *testing.T) {
	repos, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"username", "firstname", "lastname", "email", "source", "source_id"}).
		AddRow("alice", "Alice", "Smith", "alice@example.com", "", "").
		AddRow("bob", "", "", "", "ldap", "cn=bob")
	mock.ExpectQuery(`SELECT .+ FROM users WHERE username = ANY`).
		WillReturnRows(rows)

	found, err := repos.Users.FindByNames(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "alice", found[0].Username)
	assert.Equal(t, "ldap", found[1].Source)
	require.NoError(t, mock.ExpectationsWereMet())
}
