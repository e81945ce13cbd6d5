package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/meridianhq/meridian/pkg/api"
)

// MemoryStore backs every repository port with mutex-guarded maps. Dev mode
// and the test suites run against it.
type MemoryStore struct {
	mu          sync.RWMutex
	apis        map[string]*api.Api
	memberships map[membershipKey]*api.Membership
	events      map[string]*api.Event
	keys        map[string]*api.ApiKey
	users       map[string]*api.User
	pages       map[string]*api.Page
}

type membershipKey struct {
	userID  string
	refType api.MembershipReferenceType
	refID   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apis:        make(map[string]*api.Api),
		memberships: make(map[membershipKey]*api.Membership),
		events:      make(map[string]*api.Event),
		keys:        make(map[string]*api.ApiKey),
		users:       make(map[string]*api.User),
		pages:       make(map[string]*api.Page),
	}
}

// Repositories returns the store wired as every port.
func (s *MemoryStore) Repositories() Repositories {
	return Repositories{
		Apis:        &memoryApis{s},
		Memberships: &memoryMemberships{s},
		Events:      &memoryEvents{s},
		Keys:        &memoryKeys{s},
		Users:       &memoryUsers{s},
		Pages:       &memoryPages{s},
	}
}

// AddKey seeds an API key. Key issuance itself belongs to the subscription
// subsystem, so the store only needs a way to load fixtures.
func (s *MemoryStore) AddKey(k *api.ApiKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.Key] = &cp
}

type memoryApis struct{ s *MemoryStore }

func (r *memoryApis) FindByID(ctx context.Context, id string) (*api.Api, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.apis[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memoryApis) FindAll(ctx context.Context) ([]*api.Api, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*api.Api, 0, len(r.s.apis))
	for _, a := range r.s.apis {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryApis) FindByVisibility(ctx context.Context, visibility api.Visibility) ([]*api.Api, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.Api
	for _, a := range r.s.apis {
		if a.Visibility == visibility {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryApis) FindByIDs(ctx context.Context, ids []string) ([]*api.Api, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.Api
	for _, id := range ids {
		if a, ok := r.s.apis[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryApis) Create(ctx context.Context, a *api.Api) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *a
	r.s.apis[a.ID] = &cp
	return nil
}

func (r *memoryApis) Update(ctx context.Context, a *api.Api) (*api.Api, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.apis[a.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if existing.RecordVersion != a.RecordVersion {
		return nil, ErrVersionConflict
	}
	cp := *a
	cp.RecordVersion++
	r.s.apis[a.ID] = &cp
	result := cp
	return &result, nil
}

func (r *memoryApis) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.apis[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.apis, id)
	return nil
}

type memoryMemberships struct{ s *MemoryStore }

func (r *memoryMemberships) FindByID(ctx context.Context, userID string, refType api.MembershipReferenceType, refID string) (*api.Membership, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.memberships[membershipKey{userID, refType, refID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memoryMemberships) FindByReferenceAndType(ctx context.Context, refType api.MembershipReferenceType, refID string, membershipType api.MembershipType) ([]*api.Membership, error) {
	return r.FindByReferencesAndType(ctx, refType, []string{refID}, membershipType)
}

func (r *memoryMemberships) FindByReferencesAndType(ctx context.Context, refType api.MembershipReferenceType, refIDs []string, membershipType api.MembershipType) ([]*api.Membership, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	wanted := make(map[string]bool, len(refIDs))
	for _, id := range refIDs {
		wanted[id] = true
	}
	var out []*api.Membership
	for _, m := range r.s.memberships {
		if m.ReferenceType != refType || !wanted[m.ReferenceID] {
			continue
		}
		if membershipType != "" && m.Type != membershipType {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *memoryMemberships) FindByUserAndReferenceType(ctx context.Context, userID string, refType api.MembershipReferenceType) ([]*api.Membership, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.Membership
	for _, m := range r.s.memberships {
		if m.UserID == userID && m.ReferenceType == refType {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryMemberships) Create(ctx context.Context, m *api.Membership) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *m
	r.s.memberships[membershipKey{m.UserID, m.ReferenceType, m.ReferenceID}] = &cp
	return nil
}

func (r *memoryMemberships) Update(ctx context.Context, m *api.Membership) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := membershipKey{m.UserID, m.ReferenceType, m.ReferenceID}
	if _, ok := r.s.memberships[key]; !ok {
		return ErrNotFound
	}
	cp := *m
	r.s.memberships[key] = &cp
	return nil
}

func (r *memoryMemberships) Delete(ctx context.Context, m *api.Membership) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := membershipKey{m.UserID, m.ReferenceType, m.ReferenceID}
	if _, ok := r.s.memberships[key]; !ok {
		return ErrNotFound
	}
	delete(r.s.memberships, key)
	return nil
}

type memoryEvents struct{ s *MemoryStore }

func (r *memoryEvents) Create(ctx context.Context, e *api.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *e
	r.s.events[e.ID] = &cp
	return nil
}

func (r *memoryEvents) FindByApi(ctx context.Context, apiID string) ([]*api.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.Event
	for _, e := range r.s.events {
		if e.Properties[api.EventPropertyAPIID] == apiID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryEvents) Search(ctx context.Context, apiID string, types []api.EventType, limit int) ([]*api.Event, error) {
	all, err := r.FindByApi(ctx, apiID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[api.EventType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []*api.Event
	for _, e := range all {
		if len(types) > 0 && !wanted[e.Type] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryEvents) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.events[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.events, id)
	return nil
}

type memoryKeys struct{ s *MemoryStore }

func (r *memoryKeys) FindByApi(ctx context.Context, apiID string) ([]*api.ApiKey, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.ApiKey
	for _, k := range r.s.keys {
		if k.Api == apiID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *memoryKeys) FindByApplication(ctx context.Context, applicationID string) ([]*api.ApiKey, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.ApiKey
	for _, k := range r.s.keys {
		if k.Application == applicationID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryKeys) Delete(ctx context.Context, key string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.keys[key]; !ok {
		return ErrNotFound
	}
	delete(r.s.keys, key)
	return nil
}

type memoryUsers struct{ s *MemoryStore }

func (r *memoryUsers) FindByName(ctx context.Context, username string) (*api.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUsers) FindByNames(ctx context.Context, usernames []string) ([]*api.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.User
	for _, name := range usernames {
		if u, ok := r.s.users[name]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryUsers) Create(ctx context.Context, u *api.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *u
	r.s.users[u.Username] = &cp
	return nil
}

type memoryPages struct{ s *MemoryStore }

func (r *memoryPages) FindByApi(ctx context.Context, apiID string) ([]*api.Page, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*api.Page
	for _, p := range r.s.pages {
		if p.ApiID == apiID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *memoryPages) FindByID(ctx context.Context, id string) (*api.Page, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memoryPages) Create(ctx context.Context, p *api.Page) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *p
	r.s.pages[p.ID] = &cp
	return nil
}
