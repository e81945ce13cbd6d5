package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/pkg/api"
)

// exportedApi is the portable JSON shape of an API. Identifiers, timestamps,
// lifecycle state and the picture are stripped so an export can be imported
// into another environment without dragging along environment-local state.
type exportedApi struct {
	Name        string                     `json:"name"`
	Version     string                     `json:"version"`
	Description string                     `json:"description,omitempty"`
	Proxy       api.Proxy                  `json:"proxy"`
	Paths       map[string][]api.Rule      `json:"paths,omitempty"`
	Services    map[string]json.RawMessage `json:"services,omitempty"`
	Resources   []api.Resource             `json:"resources,omitempty"`
	Properties  map[string]string          `json:"properties,omitempty"`
	Tags        []string                   `json:"tags,omitempty"`
	Views       []string                   `json:"views,omitempty"`
	Visibility  api.Visibility             `json:"visibility,omitempty"`
	Members     []*api.Member              `json:"members,omitempty"`
	Pages       []exportedPage             `json:"pages,omitempty"`

	// ID is honored on import only: exports never carry it.
	ID string `json:"id,omitempty"`
}

type exportedPage struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Content   string `json:"content,omitempty"`
	Order     int    `json:"order,omitempty"`
	Published bool   `json:"published,omitempty"`
}

// ExportAsJSON renders a portable snapshot of the API, its members and its
// documentation pages.
func (s *Service) ExportAsJSON(ctx context.Context, apiID string) ([]byte, error) {
	details, err := s.FindByID(ctx, apiID)
	if err != nil {
		return nil, err
	}

	members, err := s.members.Members(ctx, apiID, "")
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		m.CreatedAt = nil
		m.UpdatedAt = nil
	}

	pages, err := s.pages.FindByApi(ctx, apiID)
	if err != nil {
		return nil, api.NewTechnical(fmt.Sprintf("failed to load pages for api %s", apiID), err)
	}
	exportedPages := make([]exportedPage, 0, len(pages))
	for _, p := range pages {
		exportedPages = append(exportedPages, exportedPage{
			Name:      p.Name,
			Type:      p.Type,
			Content:   p.Content,
			Order:     p.Order,
			Published: p.Published,
		})
	}

	export := exportedApi{
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
		Members:     members,
		Pages:       exportedPages,
	}

	out, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, api.NewTechnical("failed to encode api export", err)
	}
	return out, nil
}

// CreateOrUpdateWithDefinition imports a portable snapshot. A payload whose
// id matches an existing API updates it, anything else creates a new one.
// Members and pages are replayed afterwards, each independently: a failing
// member or page does not undo the API itself.
func (s *Service) CreateOrUpdateWithDefinition(ctx context.Context, payload []byte, username string) (*api.ApiDetails, error) {
	var imported exportedApi
	if err := json.Unmarshal(payload, &imported); err != nil {
		return nil, api.NewTechnical("failed to decode api definition", err)
	}

	details, err := s.applyImported(ctx, &imported, username)
	if err != nil {
		return nil, err
	}

	for _, m := range imported.Members {
		if m.Type == api.MembershipPrimaryOwner {
			// The importing user already owns the API.
			continue
		}
		if _, err := s.members.AddOrUpdateMember(ctx, details.ID, m.Username, m.Type); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"api":    details.ID,
				"member": m.Username,
			}).Warn("failed to import member")
		}
	}

	for _, p := range imported.Pages {
		page := &api.Page{
			ID:        uuid.NewString(),
			ApiID:     details.ID,
			Name:      p.Name,
			Type:      p.Type,
			Content:   p.Content,
			Order:     p.Order,
			Published: p.Published,
			CreatedAt: s.now(),
		}
		if err := s.pages.Create(ctx, page); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"api":  details.ID,
				"page": p.Name,
			}).Warn("failed to import page")
		}
	}

	return s.FindByID(ctx, details.ID)
}

func (s *Service) applyImported(ctx context.Context, imported *exportedApi, username string) (*api.ApiDetails, error) {
	upd := &api.UpdateApi{
		Name:        imported.Name,
		Version:     imported.Version,
		Description: imported.Description,
		Proxy:       imported.Proxy,
		Paths:       imported.Paths,
		Services:    imported.Services,
		Resources:   imported.Resources,
		Properties:  imported.Properties,
		Tags:        imported.Tags,
		Views:       imported.Views,
		Visibility:  imported.Visibility,
	}

	if imported.ID != "" {
		if _, err := s.findRecord(ctx, imported.ID); err == nil {
			return s.Update(ctx, imported.ID, upd, username)
		} else if !api.IsNotFound(err) {
			return nil, err
		}
	}

	endpoint := ""
	if len(imported.Proxy.Endpoints) > 0 {
		endpoint = imported.Proxy.Endpoints[0].Target
	}
	created, err := s.Create(ctx, &api.NewApi{
		Name:        imported.Name,
		Version:     imported.Version,
		Description: imported.Description,
		ContextPath: imported.Proxy.ContextPath,
		Endpoint:    endpoint,
	}, username)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, created.ID, upd, username)
}
