// Package postgres backs the repository ports with PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
)

// Store holds the connection pool shared by every repository.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	metrics *observability.Metrics
}

// New opens a connection pool and verifies connectivity.
func New(cfg storage.Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMaxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{db: db, timeout: cfg.PostgresTimeout}, nil
}

// NewWithDB wraps an existing pool; tests inject sqlmock through it.
func NewWithDB(db *sql.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Repositories returns the store wired as every port.
func (s *Store) Repositories() storage.Repositories {
	return storage.Repositories{
		Apis:        &apiRepo{s},
		Memberships: &membershipRepo{s},
		Events:      &eventRepo{s},
		Keys:        &keyRepo{s},
		Users:       &userRepo{s},
		Pages:       &pageRepo{s},
	}
}

// WithMetrics attaches operation counters to the store. Safe to skip; the
// store works unobserved.
func (s *Store) WithMetrics(m *observability.Metrics) *Store {
	s.metrics = m
	return s
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil && err != storage.ErrNotFound && err != storage.ErrVersionConflict {
		status = "error"
		s.metrics.StorageErrorsTotal.WithLabelValues(operation, "postgres").Inc()
	}
	s.metrics.StorageOperationsTotal.WithLabelValues(operation, "postgres", status).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues(operation, "postgres").Observe(time.Since(start).Seconds())
}

type apiRepo struct{ s *Store }

const apiColumns = `id, name, version, description, definition, visibility, lifecycle_state, picture, created_at, updated_at, deployed_at, record_version`

func scanApi(row interface{ Scan(...interface{}) error }) (*api.Api, error) {
	var a api.Api
	var deployedAt sql.NullTime
	err := row.Scan(&a.ID, &a.Name, &a.Version, &a.Description, &a.Definition,
		&a.Visibility, &a.Lifecycle, &a.Picture, &a.CreatedAt, &a.UpdatedAt,
		&deployedAt, &a.RecordVersion)
	if err != nil {
		return nil, err
	}
	if deployedAt.Valid {
		a.DeployedAt = &deployedAt.Time
	}
	return &a, nil
}

func (r *apiRepo) FindByID(ctx context.Context, id string) (a *api.Api, err error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { r.s.observe("api.find_by_id", start, err) }()

	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+apiColumns+` FROM apis WHERE id = $1`, id)
	a, err = scanApi(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api %s: %w", id, err)
	}
	return a, nil
}

func (r *apiRepo) queryApis(ctx context.Context, query string, args ...interface{}) (out []*api.Api, err error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { r.s.observe("api.query", start, err) }()

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query apis: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, scanErr := scanApi(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan api row: %w", scanErr)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *apiRepo) FindAll(ctx context.Context) ([]*api.Api, error) {
	return r.queryApis(ctx, `SELECT `+apiColumns+` FROM apis ORDER BY id`)
}

func (r *apiRepo) FindByVisibility(ctx context.Context, visibility api.Visibility) ([]*api.Api, error) {
	return r.queryApis(ctx,
		`SELECT `+apiColumns+` FROM apis WHERE visibility = $1 ORDER BY id`, string(visibility))
}

func (r *apiRepo) FindByIDs(ctx context.Context, ids []string) ([]*api.Api, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryApis(ctx,
		`SELECT `+apiColumns+` FROM apis WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (r *apiRepo) Create(ctx context.Context, a *api.Api) (err error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { r.s.observe("api.create", start, err) }()

	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO apis (`+apiColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Name, a.Version, a.Description, a.Definition,
		string(a.Visibility), string(a.Lifecycle), a.Picture,
		a.CreatedAt, a.UpdatedAt, a.DeployedAt, a.RecordVersion)
	if err != nil {
		return fmt.Errorf("failed to insert api %s: %w", a.ID, err)
	}
	return nil
}

func (r *apiRepo) Update(ctx context.Context, a *api.Api) (updated *api.Api, err error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { r.s.observe("api.update", start, err) }()

	row := r.s.db.QueryRowContext(ctx,
		`UPDATE apis
		 SET name = $1, version = $2, description = $3, definition = $4,
		     visibility = $5, lifecycle_state = $6, picture = $7,
		     updated_at = $8, deployed_at = $9, record_version = record_version + 1
		 WHERE id = $10 AND record_version = $11
		 RETURNING `+apiColumns,
		a.Name, a.Version, a.Description, a.Definition,
		string(a.Visibility), string(a.Lifecycle), a.Picture,
		a.UpdatedAt, a.DeployedAt, a.ID, a.RecordVersion)

	updated, err = scanApi(row)
	if err == sql.ErrNoRows {
		// Either the row is gone or someone else won the version race.
		if _, findErr := r.FindByID(ctx, a.ID); findErr == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update api %s: %w", a.ID, err)
	}
	return updated, nil
}

func (r *apiRepo) Delete(ctx context.Context, id string) (err error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { r.s.observe("api.delete", start, err) }()

	res, err := r.s.db.ExecContext(ctx, `DELETE FROM apis WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type membershipRepo struct{ s *Store }

const membershipColumns = `user_id, reference_type, reference_id, type, created_at, updated_at`

func scanMembership(row interface{ Scan(...interface{}) error }) (*api.Membership, error) {
	var m api.Membership
	err := row.Scan(&m.UserID, &m.ReferenceType, &m.ReferenceID, &m.Type, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *membershipRepo) FindByID(ctx context.Context, userID string, refType api.MembershipReferenceType, refID string) (*api.Membership, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE user_id = $1 AND reference_type = $2 AND reference_id = $3`,
		userID, string(refType), refID)
	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	return m, nil
}

func (r *membershipRepo) queryMemberships(ctx context.Context, query string, args ...interface{}) ([]*api.Membership, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var out []*api.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *membershipRepo) FindByReferenceAndType(ctx context.Context, refType api.MembershipReferenceType, refID string, membershipType api.MembershipType) ([]*api.Membership, error) {
	return r.FindByReferencesAndType(ctx, refType, []string{refID}, membershipType)
}

func (r *membershipRepo) FindByReferencesAndType(ctx context.Context, refType api.MembershipReferenceType, refIDs []string, membershipType api.MembershipType) ([]*api.Membership, error) {
	if membershipType == "" {
		return r.queryMemberships(ctx,
			`SELECT `+membershipColumns+` FROM memberships
			 WHERE reference_type = $1 AND reference_id = ANY($2)
			 ORDER BY user_id`,
			string(refType), pq.Array(refIDs))
	}
	return r.queryMemberships(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE reference_type = $1 AND reference_id = ANY($2) AND type = $3
		 ORDER BY user_id`,
		string(refType), pq.Array(refIDs), string(membershipType))
}

func (r *membershipRepo) FindByUserAndReferenceType(ctx context.Context, userID string, refType api.MembershipReferenceType) ([]*api.Membership, error) {
	return r.queryMemberships(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE user_id = $1 AND reference_type = $2`,
		userID, string(refType))
}

func (r *membershipRepo) Create(ctx context.Context, m *api.Membership) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO memberships (`+membershipColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.UserID, string(m.ReferenceType), m.ReferenceID, string(m.Type), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

func (r *membershipRepo) Update(ctx context.Context, m *api.Membership) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	res, err := r.s.db.ExecContext(ctx,
		`UPDATE memberships SET type = $1, updated_at = $2
		 WHERE user_id = $3 AND reference_type = $4 AND reference_id = $5`,
		string(m.Type), m.UpdatedAt, m.UserID, string(m.ReferenceType), m.ReferenceID)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *membershipRepo) Delete(ctx context.Context, m *api.Membership) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM memberships
		 WHERE user_id = $1 AND reference_type = $2 AND reference_id = $3`,
		m.UserID, string(m.ReferenceType), m.ReferenceID)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type eventRepo struct{ s *Store }

func (r *eventRepo) Create(ctx context.Context, e *api.Event) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	props, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode event properties: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, payload, properties, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, string(e.Type), e.Payload, props, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
	}
	return nil
}

func (r *eventRepo) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*api.Event, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*api.Event
	for rows.Next() {
		var e api.Event
		var props []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &props, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal(props, &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode event properties: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *eventRepo) FindByApi(ctx context.Context, apiID string) ([]*api.Event, error) {
	return r.queryEvents(ctx,
		`SELECT id, type, payload, properties, created_at FROM events
		 WHERE properties->>'api_id' = $1
		 ORDER BY created_at DESC`, apiID)
}

func (r *eventRepo) Search(ctx context.Context, apiID string, types []api.EventType, limit int) ([]*api.Event, error) {
	typeNames := make([]string, 0, len(types))
	for _, t := range types {
		typeNames = append(typeNames, string(t))
	}
	return r.queryEvents(ctx,
		`SELECT id, type, payload, properties, created_at FROM events
		 WHERE properties->>'api_id' = $1 AND type = ANY($2)
		 ORDER BY created_at DESC
		 LIMIT $3`, apiID, pq.Array(typeNames), limit)
}

func (r *eventRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	res, err := r.s.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type keyRepo struct{ s *Store }

func (r *keyRepo) queryKeys(ctx context.Context, query string, args ...interface{}) ([]*api.ApiKey, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var out []*api.ApiKey
	for rows.Next() {
		var k api.ApiKey
		var revokedAt sql.NullTime
		if err := rows.Scan(&k.Key, &k.Api, &k.Application, &k.CreatedAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key row: %w", err)
		}
		if revokedAt.Valid {
			k.RevokedAt = &revokedAt.Time
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (r *keyRepo) FindByApi(ctx context.Context, apiID string) ([]*api.ApiKey, error) {
	return r.queryKeys(ctx,
		`SELECT key, api, application, created_at, revoked_at FROM api_keys
		 WHERE api = $1 ORDER BY key`, apiID)
}

func (r *keyRepo) FindByApplication(ctx context.Context, applicationID string) ([]*api.ApiKey, error) {
	return r.queryKeys(ctx,
		`SELECT key, api, application, created_at, revoked_at FROM api_keys
		 WHERE application = $1 ORDER BY key`, applicationID)
}

func (r *keyRepo) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	res, err := r.s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type userRepo struct{ s *Store }

const userColumns = `username, firstname, lastname, email, source, source_id`

func (r *userRepo) FindByName(ctx context.Context, username string) (*api.User, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	var u api.User
	err := r.s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.Firstname, &u.Lastname, &u.Email, &u.Source, &u.SourceID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user %s: %w", username, err)
	}
	return &u, nil
}

func (r *userRepo) FindByNames(ctx context.Context, usernames []string) ([]*api.User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ANY($1)`, pq.Array(usernames))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var out []*api.User
	for rows.Next() {
		var u api.User
		if err := rows.Scan(&u.Username, &u.Firstname, &u.Lastname, &u.Email, &u.Source, &u.SourceID); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (r *userRepo) Create(ctx context.Context, u *api.User) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.Username, u.Firstname, u.Lastname, u.Email, u.Source, u.SourceID)
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", u.Username, err)
	}
	return nil
}

type pageRepo struct{ s *Store }

const pageColumns = `id, api_id, name, type, content, page_order, published, created_at`

func (r *pageRepo) FindByApi(ctx context.Context, apiID string) ([]*api.Page, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE api_id = $1 ORDER BY page_order`, apiID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var out []*api.Page
	for rows.Next() {
		var p api.Page
		if err := rows.Scan(&p.ID, &p.ApiID, &p.Name, &p.Type, &p.Content, &p.Order, &p.Published, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *pageRepo) FindByID(ctx context.Context, id string) (*api.Page, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	var p api.Page
	err := r.s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id = $1`, id).
		Scan(&p.ID, &p.ApiID, &p.Name, &p.Type, &p.Content, &p.Order, &p.Published, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query page %s: %w", id, err)
	}
	return &p, nil
}

func (r *pageRepo) Create(ctx context.Context, p *api.Page) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()

	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO pages (`+pageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.ApiID, p.Name, p.Type, p.Content, p.Order, p.Published, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert page %s: %w", p.ID, err)
	}
	return nil
}
