package storage

import (
	"context"
	"errors"
	"time"

	"github.com/meridianhq/meridian/pkg/api"
)

// ErrNotFound is returned by repositories when a record does not exist.
// Services translate it into their own NotFound error kind.
var ErrNotFound = errors.New("storage: record not found")

// ErrVersionConflict is returned by ApiRepository.Update when the record
// version token no longer matches the stored row.
var ErrVersionConflict = errors.New("storage: record version conflict")

// ApiRepository persists API records.
type ApiRepository interface {
	FindByID(ctx context.Context, id string) (*api.Api, error)
	FindAll(ctx context.Context) ([]*api.Api, error)
	FindByVisibility(ctx context.Context, visibility api.Visibility) ([]*api.Api, error)
	FindByIDs(ctx context.Context, ids []string) ([]*api.Api, error)
	Create(ctx context.Context, a *api.Api) error

	// Update compares the incoming RecordVersion against the stored row and
	// returns ErrVersionConflict on mismatch; on success the stored version
	// is incremented.
	Update(ctx context.Context, a *api.Api) (*api.Api, error)
	Delete(ctx context.Context, id string) error
}

// MembershipRepository persists role assignments.
type MembershipRepository interface {
	FindByID(ctx context.Context, userID string, refType api.MembershipReferenceType, refID string) (*api.Membership, error)
	FindByReferenceAndType(ctx context.Context, refType api.MembershipReferenceType, refID string, membershipType api.MembershipType) ([]*api.Membership, error)
	FindByReferencesAndType(ctx context.Context, refType api.MembershipReferenceType, refIDs []string, membershipType api.MembershipType) ([]*api.Membership, error)
	FindByUserAndReferenceType(ctx context.Context, userID string, refType api.MembershipReferenceType) ([]*api.Membership, error)
	Create(ctx context.Context, m *api.Membership) error
	Update(ctx context.Context, m *api.Membership) error
	Delete(ctx context.Context, m *api.Membership) error
}

// EventRepository persists the append-only event log. Events are created
// and deleted, never updated.
type EventRepository interface {
	Create(ctx context.Context, e *api.Event) error
	FindByApi(ctx context.Context, apiID string) ([]*api.Event, error)

	// Search returns events for the API matching any of the given types,
	// newest first, at most limit entries.
	Search(ctx context.Context, apiID string, types []api.EventType, limit int) ([]*api.Event, error)
	Delete(ctx context.Context, id string) error
}

// ApiKeyRepository exposes the key operations the deletion cascade needs.
type ApiKeyRepository interface {
	FindByApi(ctx context.Context, apiID string) ([]*api.ApiKey, error)
	FindByApplication(ctx context.Context, applicationID string) ([]*api.ApiKey, error)
	Delete(ctx context.Context, key string) error
}

// UserRepository persists management users.
type UserRepository interface {
	FindByName(ctx context.Context, username string) (*api.User, error)
	FindByNames(ctx context.Context, usernames []string) ([]*api.User, error)
	Create(ctx context.Context, u *api.User) error
}

// PageRepository persists portal documentation pages.
type PageRepository interface {
	FindByApi(ctx context.Context, apiID string) ([]*api.Page, error)
	FindByID(ctx context.Context, id string) (*api.Page, error)
	Create(ctx context.Context, p *api.Page) error
}

// Repositories bundles every port a backend must provide.
type Repositories struct {
	Apis        ApiRepository
	Memberships MembershipRepository
	Events      EventRepository
	Keys        ApiKeyRepository
	Users       UserRepository
	Pages       PageRepository
}

// Config for the storage backend.
type Config struct {
	Type string // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresTimeout  time.Duration

	// Redis config (cache + command bus)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisPoolSize   int
	RedisMaxRetries int

	// Cache config
	CacheEnabled bool
	CacheTTL     map[string]time.Duration
	L1CacheSize  int // entries in the in-process LRU
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		PostgresMaxConns: 20,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		CacheEnabled:     true,
		CacheTTL: map[string]time.Duration{
			"api":      15 * time.Minute,
			"api_list": 1 * time.Minute,
		},
		L1CacheSize: 4096,
	}
}
