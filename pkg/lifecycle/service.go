// Package lifecycle implements the API lifecycle manager: creation, update,
// start/stop, deployment, synchronization checks, deletion and the JSON
// import/export round trip.
//
// The manager never talks to the gateway directly. Starting, stopping and
// deploying an API append events to the event log; gateways converge by
// replaying that log.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/events"
	"github.com/meridianhq/meridian/pkg/membership"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
)

// SearchIndexer receives index maintenance requests. Implementations are
// best effort: they log failures and never return them to the caller.
type SearchIndexer interface {
	IndexApi(ctx context.Context, details *api.ApiDetails)
	RemoveApi(ctx context.Context, apiID string)
}

// KeyDeletion records the outcome of revoking one API key during a deletion
// cascade. Failed revocations are reported, not fatal.
type KeyDeletion struct {
	Key         string `json:"key"`
	Application string `json:"application"`
	Error       string `json:"error,omitempty"`
}

// Service is the API lifecycle manager.
type Service struct {
	apis    storage.ApiRepository
	keys    storage.ApiKeyRepository
	pages   storage.PageRepository
	events  *events.Service
	members *membership.Service
	search  SearchIndexer

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	defaultIconPath string
}

// NewService creates a lifecycle manager. search may be nil when indexing is
// disabled.
func NewService(
	repos storage.Repositories,
	eventService *events.Service,
	memberService *membership.Service,
	search SearchIndexer,
	logger *observability.Logger,
	metrics *observability.Metrics,
	defaultIconPath string,
) *Service {
	return &Service{
		apis:            repos.Apis,
		keys:            repos.Keys,
		pages:           repos.Pages,
		events:          eventService,
		members:         memberService,
		search:          search,
		logger:          logger,
		metrics:         metrics,
		tracer:          otel.Tracer("meridian.lifecycle"),
		now:             time.Now,
		defaultIconPath: defaultIconPath,
	}
}

// Create provisions a new API in STOPPED state with PRIVATE visibility and
// records the creating user as its primary owner. Declared paths default to
// the root path and each one is guarded by the api-key policy.
func (s *Service) Create(ctx context.Context, newApi *api.NewApi, username string) (*api.ApiDetails, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Create",
		trace.WithAttributes(attribute.String("api.name", newApi.Name)))
	defer span.End()
	start := s.now()

	details, err := s.create(ctx, newApi, username)
	s.metrics.ObserveLifecycle("create", start, err)
	if err != nil {
		return nil, err
	}

	s.metrics.ApisTotal.Inc()
	s.index(ctx, details)
	return details, nil
}

func (s *Service) create(ctx context.Context, newApi *api.NewApi, username string) (*api.ApiDetails, error) {
	if newApi.Name == "" || newApi.Version == "" || newApi.ContextPath == "" || newApi.Endpoint == "" {
		return nil, api.NewTechnical("name, version, context path and endpoint are required", nil)
	}

	if err := s.checkContextPath(ctx, newApi.ContextPath, ""); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if _, err := s.apis.FindByID(ctx, id); err == nil {
		return nil, api.NewApiAlreadyExists(id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, api.NewTechnical(fmt.Sprintf("failed to check for api %s", id), err)
	}

	declaredPaths := newApi.Paths
	if len(declaredPaths) == 0 {
		declaredPaths = []string{"/"}
	}
	paths := make(map[string][]api.Rule, len(declaredPaths))
	for _, p := range declaredPaths {
		if p == "" || p[0] != '/' {
			return nil, api.NewTechnical(fmt.Sprintf("declared path %q must start with a /", p), nil)
		}
		paths[p] = []api.Rule{{
			Policy: api.Policy{Name: "api-key", Configuration: "{}"},
		}}
	}

	def := api.Definition{
		ID:      id,
		Name:    newApi.Name,
		Version: newApi.Version,
		Proxy: api.Proxy{
			ContextPath: normalizeContextPath(newApi.ContextPath),
			Endpoints:   []api.Endpoint{{Name: "default", Target: newApi.Endpoint}},
		},
		Paths: paths,
	}
	rawDef, err := json.Marshal(def)
	if err != nil {
		return nil, api.NewTechnical("failed to encode definition", err)
	}

	now := s.now()
	record := &api.Api{
		ID:          id,
		Name:        newApi.Name,
		Version:     newApi.Version,
		Description: newApi.Description,
		Definition:  string(rawDef),
		Visibility:  api.VisibilityPrivate,
		Lifecycle:   api.LifecycleStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.apis.Create(ctx, record); err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to create api %s", id), err)
	}

	if err := s.members.CreatePrimaryOwner(ctx, id, username, now); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"api":  id,
		"name": newApi.Name,
		"user": username,
	}).Info("api created")

	return s.FindByID(ctx, id)
}

// FindByID returns one API hydrated with its decoded definition and primary
// owner.
func (s *Service) FindByID(ctx context.Context, apiID string) (*api.ApiDetails, error) {
	record, err := s.findRecord(ctx, apiID)
	if err != nil {
		return nil, err
	}
	hydrated, err := s.hydrate(ctx, []*api.Api{record})
	if err != nil {
		return nil, err
	}
	return hydrated[0], nil
}

// FindAll returns every API.
func (s *Service) FindAll(ctx context.Context) ([]*api.ApiDetails, error) {
	records, err := s.apis.FindAll(ctx)
	if err != nil {
		return nil, api.NewTechnical("failed to list apis", err)
	}
	return s.hydrate(ctx, records)
}

// FindByVisibility returns every API with the given visibility.
func (s *Service) FindByVisibility(ctx context.Context, visibility api.Visibility) ([]*api.ApiDetails, error) {
	records, err := s.apis.FindByVisibility(ctx, visibility)
	if err != nil {
		return nil, api.NewTechnical("failed to list apis by visibility", err)
	}
	return s.hydrate(ctx, records)
}

// FindByUser returns every API the user holds any membership on.
func (s *Service) FindByUser(ctx context.Context, username string) ([]*api.ApiDetails, error) {
	ids, err := s.members.ApiIDsForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.ApiDetails{}, nil
	}
	records, err := s.apis.FindByIDs(ctx, ids)
	if err != nil {
		return nil, api.NewTechnical("failed to load apis by ids", err)
	}
	return s.hydrate(ctx, records)
}

// CountByApplication returns how many distinct APIs an application holds
// keys for.
func (s *Service) CountByApplication(ctx context.Context, applicationID string) (int, error) {
	keys, err := s.keys.FindByApplication(ctx, applicationID)
	if err != nil {
		return 0, api.NewTechnical(fmt.Sprintf("failed to load keys for application %s", applicationID), err)
	}
	distinct := make(map[string]bool, len(keys))
	for _, k := range keys {
		distinct[k.Api] = true
	}
	return len(distinct), nil
}

// Update replaces the mutable fields of an API. Creation and deployment
// timestamps, lifecycle state and record version survive the update; an
// empty picture keeps the existing one.
func (s *Service) Update(ctx context.Context, apiID string, upd *api.UpdateApi, username string) (*api.ApiDetails, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Update",
		trace.WithAttributes(attribute.String("api.id", apiID)))
	defer span.End()
	start := s.now()

	details, err := s.update(ctx, apiID, upd, username)
	s.metrics.ObserveLifecycle("update", start, err)
	if err != nil {
		return nil, err
	}

	s.index(ctx, details)
	return details, nil
}

func (s *Service) update(ctx context.Context, apiID string, upd *api.UpdateApi, username string) (*api.ApiDetails, error) {
	record, err := s.findRecord(ctx, apiID)
	if err != nil {
		return nil, err
	}

	if err := s.checkContextPath(ctx, upd.Proxy.ContextPath, apiID); err != nil {
		return nil, err
	}

	def := api.Definition{
		ID:         apiID,
		Name:       upd.Name,
		Version:    upd.Version,
		Proxy:      upd.Proxy,
		Paths:      upd.Paths,
		Services:   upd.Services,
		Resources:  upd.Resources,
		Properties: upd.Properties,
		Tags:       upd.Tags,
		Views:      upd.Views,
	}
	def.Proxy.ContextPath = normalizeContextPath(def.Proxy.ContextPath)
	rawDef, err := json.Marshal(def)
	if err != nil {
		return nil, api.NewTechnical("failed to encode definition", err)
	}

	record.Name = upd.Name
	record.Version = upd.Version
	record.Description = upd.Description
	record.Definition = string(rawDef)
	if upd.Visibility != "" {
		record.Visibility = upd.Visibility
	}
	if upd.Picture != "" {
		record.Picture = upd.Picture
	}
	record.UpdatedAt = s.now()

	if _, err := s.updateRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{"api": apiID, "user": username}).Info("api updated")
	return s.FindByID(ctx, apiID)
}

// Rollback restores an API to the state captured in upd, which callers
// extract from a historical deployment event. It is an update under another
// name: the restored definition still has to be deployed to take effect.
func (s *Service) Rollback(ctx context.Context, apiID string, upd *api.UpdateApi, username string) (*api.ApiDetails, error) {
	details, err := s.Update(ctx, apiID, upd, username)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{"api": apiID, "user": username}).Info("api rolled back")
	return details, nil
}

// Start puts the last published definition live on the gateway and records
// a START_API event.
func (s *Service) Start(ctx context.Context, apiID, username string) (*api.ApiDetails, error) {
	return s.updateLifecycle(ctx, apiID, username, api.LifecycleStarted, api.EventStartAPI)
}

// Stop takes the API off the gateway and records a STOP_API event.
func (s *Service) Stop(ctx context.Context, apiID, username string) (*api.ApiDetails, error) {
	return s.updateLifecycle(ctx, apiID, username, api.LifecycleStopped, api.EventStopAPI)
}

func (s *Service) updateLifecycle(ctx context.Context, apiID, username string, state api.LifecycleState, eventType api.EventType) (*api.ApiDetails, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.UpdateLifecycle",
		trace.WithAttributes(
			attribute.String("api.id", apiID),
			attribute.String("api.state", string(state)),
		))
	defer span.End()
	start := s.now()

	details, err := s.transition(ctx, apiID, username, state, eventType)
	s.metrics.ObserveLifecycle(string(eventType), start, err)
	if err != nil {
		return nil, err
	}

	s.metrics.DeploymentsTotal.WithLabelValues(string(eventType)).Inc()
	s.index(ctx, details)
	return details, nil
}

// transition applies a start or stop. Repeating the current state is not an
// error: the record's updated stamp moves and another event is appended.
func (s *Service) transition(ctx context.Context, apiID, username string, state api.LifecycleState, eventType api.EventType) (*api.ApiDetails, error) {
	record, err := s.findRecord(ctx, apiID)
	if err != nil {
		return nil, err
	}

	// The gateway replays the last published definition on start and stop,
	// so a started API runs exactly what was published, not interim edits.
	// That snapshot travels in the event payload only; the live record keeps
	// its pending edits and just changes state.
	published, err := s.events.LatestPublished(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if published == nil {
		return nil, api.NewTechnical(fmt.Sprintf("no event found to deploy api %s", apiID), nil)
	}

	var deployed api.Api
	if err := json.Unmarshal([]byte(published.Payload), &deployed); err != nil {
		return nil, api.NewTechnical("failed to decode published payload", err)
	}

	stateChanged := record.Lifecycle != state

	now := s.now()
	record.Lifecycle = state
	record.UpdatedAt = now
	if _, err := s.updateRecord(ctx, record); err != nil {
		return nil, err
	}

	if stateChanged {
		if state == api.LifecycleStarted {
			s.metrics.ApisStartedTotal.Inc()
		} else {
			s.metrics.ApisStartedTotal.Dec()
		}
	}

	deployed.Lifecycle = state
	deployed.UpdatedAt = now
	deployed.DeployedAt = &now
	payload, err := json.Marshal(&deployed)
	if err != nil {
		return nil, api.NewTechnical("failed to encode api payload", err)
	}
	if _, err := s.events.Create(ctx, eventType, string(payload), map[string]string{
		api.EventPropertyAPIID:    apiID,
		api.EventPropertyUsername: username,
	}); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"api":   apiID,
		"state": string(state),
		"user":  username,
	}).Info("api lifecycle changed")

	return s.FindByID(ctx, apiID)
}

// Deploy records a deployment of the API's current definition: it appends a
// PUBLISH_API or UNPUBLISH_API event carrying the full record and stamps the
// record with the event time.
func (s *Service) Deploy(ctx context.Context, apiID, username string, eventType api.EventType) (*api.ApiDetails, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Deploy",
		trace.WithAttributes(
			attribute.String("api.id", apiID),
			attribute.String("api.event_type", string(eventType)),
		))
	defer span.End()
	start := s.now()

	details, err := s.deploy(ctx, apiID, username, eventType)
	s.metrics.ObserveLifecycle("deploy", start, err)
	if err != nil {
		return nil, err
	}

	s.metrics.DeploymentsTotal.WithLabelValues(string(eventType)).Inc()
	s.index(ctx, details)
	return details, nil
}

func (s *Service) deploy(ctx context.Context, apiID, username string, eventType api.EventType) (*api.ApiDetails, error) {
	if eventType != api.EventPublishAPI && eventType != api.EventUnpublishAPI {
		return nil, api.NewTechnical(fmt.Sprintf("event type %s is not a deployment", eventType), nil)
	}

	record, err := s.findRecord(ctx, apiID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, api.NewTechnical("failed to encode api payload", err)
	}
	event, err := s.events.Create(ctx, eventType, string(payload), map[string]string{
		api.EventPropertyAPIID:    apiID,
		api.EventPropertyUsername: username,
	})
	if err != nil {
		return nil, err
	}

	record.UpdatedAt = event.CreatedAt
	record.DeployedAt = &event.CreatedAt
	if _, err := s.updateRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"api":   apiID,
		"event": string(eventType),
		"user":  username,
	}).Info("api deployed")
	return s.FindByID(ctx, apiID)
}

// Delete removes a stopped API and everything hanging off it: keys, events,
// memberships and its search document. Key revocation is best effort and
// reported per key; the API row itself must go.
func (s *Service) Delete(ctx context.Context, apiID, username string) ([]KeyDeletion, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Delete",
		trace.WithAttributes(attribute.String("api.id", apiID)))
	defer span.End()
	start := s.now()

	deletions, err := s.delete(ctx, apiID, username)
	s.metrics.ObserveLifecycle("delete", start, err)
	if err != nil {
		return nil, err
	}

	s.metrics.ApisTotal.Dec()
	if s.search != nil {
		s.search.RemoveApi(ctx, apiID)
	}
	return deletions, nil
}

func (s *Service) delete(ctx context.Context, apiID, username string) ([]KeyDeletion, error) {
	record, err := s.findRecord(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if record.Lifecycle == api.LifecycleStarted {
		return nil, api.NewApiRunningState(apiID)
	}

	keys, err := s.keys.FindByApi(ctx, apiID)
	if err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to load keys for api %s", apiID), err)
	}
	deletions := make([]KeyDeletion, 0, len(keys))
	for _, k := range keys {
		d := KeyDeletion{Key: k.Key, Application: k.Application}
		if err := s.keys.Delete(ctx, k.Key); err != nil {
			d.Error = err.Error()
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"api": apiID,
				"key": k.Key,
			}).Warn("failed to revoke key during api deletion")
		}
		deletions = append(deletions, d)
	}

	if err := s.events.DeleteForApi(ctx, apiID); err != nil {
		return nil, err
	}

	members, err := s.members.Members(ctx, apiID, "")
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := s.members.DeleteMember(ctx, apiID, m.Username); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"api":    apiID,
				"member": m.Username,
			}).Warn("failed to remove membership during api deletion")
		}
	}

	if err := s.apis.Delete(ctx, apiID); err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to delete api %s", apiID), err)
	}

	s.logger.WithFields(map[string]interface{}{"api": apiID, "user": username}).Info("api deleted")
	return deletions, nil
}

// DeleteViewFromApis removes a deleted view from every definition that
// references it.
func (s *Service) DeleteViewFromApis(ctx context.Context, view string) error {
	records, err := s.apis.FindAll(ctx)
	if err != nil {
		return api.NewTechnical("failed to list apis", err)
	}

	for _, record := range records {
		var def api.Definition
		if err := json.Unmarshal([]byte(record.Definition), &def); err != nil {
			s.logger.WithError(err).WithField("api", record.ID).Warn("skipping api with unreadable definition during view removal")
			continue
		}
		kept := def.Views[:0]
		for _, v := range def.Views {
			if v != view {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(def.Views) {
			continue
		}
		def.Views = kept

		rawDef, err := json.Marshal(def)
		if err != nil {
			return api.NewTechnical("failed to encode definition", err)
		}
		record.Definition = string(rawDef)
		record.UpdatedAt = s.now()
		if _, err := s.updateRecord(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the API's event history, newest first.
func (s *Service) Events(ctx context.Context, apiID string) ([]*api.Event, error) {
	if _, err := s.findRecord(ctx, apiID); err != nil {
		return nil, err
	}
	return s.events.FindByApi(ctx, apiID)
}

func (s *Service) findRecord(ctx context.Context, apiID string) (*api.Api, error) {
	record, err := s.apis.FindByID(ctx, apiID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, api.NewApiNotFound(apiID)
		}
		return nil, api.NewTechnical(fmt.Sprintf("failed to find api %s", apiID), err)
	}
	return record, nil
}

func (s *Service) updateRecord(ctx context.Context, record *api.Api) (*api.Api, error) {
	updated, err := s.apis.Update(ctx, record)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, api.NewVersionConflict(record.ID)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, api.NewApiNotFound(record.ID)
		}
		return nil, api.NewTechnical(fmt.Sprintf("failed to update api %s", record.ID), err)
	}
	return updated, nil
}

// hydrate joins records with their primary owners in one batch. A record
// without an owner fails the whole batch.
func (s *Service) hydrate(ctx context.Context, records []*api.Api) ([]*api.ApiDetails, error) {
	if len(records) == 0 {
		return []*api.ApiDetails{}, nil
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	owners, err := s.members.PrimaryOwners(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*api.ApiDetails, 0, len(records))
	for _, r := range records {
		details, err := toDetails(r, owners[r.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, details)
	}
	return out, nil
}

func toDetails(record *api.Api, owner *api.User) (*api.ApiDetails, error) {
	var def api.Definition
	if record.Definition != "" {
		if err := json.Unmarshal([]byte(record.Definition), &def); err != nil {
			return nil, api.NewTechnical(fmt.Sprintf("failed to decode definition of api %s", record.ID), err)
		}
	}
	return &api.ApiDetails{
		ID:           record.ID,
		Name:         record.Name,
		Version:      record.Version,
		Description:  record.Description,
		Proxy:        def.Proxy,
		Paths:        def.Paths,
		Services:     def.Services,
		Resources:    def.Resources,
		Properties:   def.Properties,
		Tags:         def.Tags,
		Views:        def.Views,
		Visibility:   record.Visibility,
		State:        record.Lifecycle,
		Picture:      record.Picture,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
		DeployedAt:   record.DeployedAt,
		PrimaryOwner: owner,
	}, nil
}

func (s *Service) index(ctx context.Context, details *api.ApiDetails) {
	if s.search != nil && details != nil {
		s.search.IndexApi(ctx, details)
	}
}
