// Package events owns the append-only log of lifecycle and deployment
// events. Events carry a serialized snapshot of the API at event time and
// are the source of truth for "last published" and "last deployed" state.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/storage"
)

// Service provides event store operations.
type Service struct {
	repo   storage.EventRepository
	logger *observability.Logger
	now    func() time.Time
}

// NewService creates a new event service.
func NewService(repo storage.EventRepository, logger *observability.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the event timestamp source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create appends an event. Every event must carry the api_id and username
// properties so that per-API history queries and audit trails stay complete.
func (s *Service) Create(ctx context.Context, eventType api.EventType, payload string, properties map[string]string) (*api.Event, error) {
	if properties[api.EventPropertyAPIID] == "" {
		return nil, api.NewTechnical("event is missing the api_id property", nil)
	}
	if properties[api.EventPropertyUsername] == "" {
		return nil, api.NewTechnical("event is missing the username property", nil)
	}

	props := make(map[string]string, len(properties))
	for k, v := range properties {
		props[k] = v
	}

	event := &api.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    payload,
		Properties: props,
		CreatedAt:  s.now(),
	}

	if err := s.repo.Create(ctx, event); err != nil {
		s.logger.WithError(err).WithField("api", props[api.EventPropertyAPIID]).Error("failed to create event")
		return nil, api.NewTechnical(fmt.Sprintf("failed to create %s event", eventType), err)
	}
	return event, nil
}

// FindByApi returns all events for an API, newest first.
func (s *Service) FindByApi(ctx context.Context, apiID string) ([]*api.Event, error) {
	events, err := s.repo.FindByApi(ctx, apiID)
	if err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to find events for api %s", apiID), err)
	}
	return events, nil
}

// LatestDeployment returns the most recent PUBLISH_API or UNPUBLISH_API
// event for the API, or nil when it has never been deployed.
func (s *Service) LatestDeployment(ctx context.Context, apiID string) (*api.Event, error) {
	return s.latest(ctx, apiID, []api.EventType{api.EventPublishAPI, api.EventUnpublishAPI})
}

// LatestPublished returns the most recent PUBLISH_API event for the API,
// or nil when it has never been published.
func (s *Service) LatestPublished(ctx context.Context, apiID string) (*api.Event, error) {
	return s.latest(ctx, apiID, []api.EventType{api.EventPublishAPI})
}

func (s *Service) latest(ctx context.Context, apiID string, types []api.EventType) (*api.Event, error) {
	events, err := s.repo.Search(ctx, apiID, types, 1)
	if err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to search events for api %s", apiID), err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// DeleteForApi removes every event referencing the API. Used only by the
// API deletion cascade.
func (s *Service) DeleteForApi(ctx context.Context, apiID string) error {
	events, err := s.repo.FindByApi(ctx, apiID)
	if err != nil {
		return api.NewTechnical(fmt.Sprintf("failed to find events for api %s", apiID), err)
	}
	for _, event := range events {
		if err := s.repo.Delete(ctx, event.ID); err != nil {
			return api.NewTechnical(fmt.Sprintf("failed to delete event %s", event.ID), err)
		}
	}
	return nil
}
