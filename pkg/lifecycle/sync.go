package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/meridianhq/meridian/pkg/api"
)

// gatewayFields is the subset of a definition the gateway actually routes
// on. Synchronization compares only these: renaming an API or editing its
// description must not flag it as out of sync.
type gatewayFields struct {
	Proxy      api.Proxy             `json:"proxy"`
	Paths      map[string][]api.Rule `json:"paths,omitempty"`
	Resources  []api.Resource        `json:"resources,omitempty"`
	Properties map[string]string     `json:"properties,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
}

// IsSynchronized reports whether the API's current definition matches its
// last deployed snapshot. Any failure along the way (missing API, undeployed
// API, unreadable payload) yields false rather than an error: callers use
// this to decorate listings and a broken answer must never break the page.
func (s *Service) IsSynchronized(ctx context.Context, apiID string) bool {
	synced, err := s.isSynchronized(ctx, apiID)
	if err != nil {
		s.logger.WithError(err).WithField("api", apiID).Warn("failed to determine synchronization state")
		return false
	}
	return synced
}

func (s *Service) isSynchronized(ctx context.Context, apiID string) (bool, error) {
	live, err := s.findRecord(ctx, apiID)
	if err != nil {
		return false, err
	}

	event, err := s.events.LatestDeployment(ctx, apiID)
	if err != nil {
		return false, err
	}
	if event == nil {
		// Never deployed.
		return false, nil
	}

	var deployed api.Api
	if err := json.Unmarshal([]byte(event.Payload), &deployed); err != nil {
		return false, api.NewTechnical("failed to decode deployed payload", err)
	}

	// Nothing was written since the deployment, so nothing can have drifted.
	if !live.UpdatedAt.After(deployed.UpdatedAt) {
		return true, nil
	}

	// The record was touched after deployment. Only a change to the gateway
	// facing fields counts as drift.
	liveFields, err := extractGatewayFields(live.Definition)
	if err != nil {
		return false, err
	}
	deployedFields, err := extractGatewayFields(deployed.Definition)
	if err != nil {
		return false, err
	}
	return equalGatewayFields(liveFields, deployedFields), nil
}

func extractGatewayFields(definition string) (*gatewayFields, error) {
	var def api.Definition
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return nil, api.NewTechnical("failed to decode definition", err)
	}
	return &gatewayFields{
		Proxy:      def.Proxy,
		Paths:      def.Paths,
		Resources:  def.Resources,
		Properties: def.Properties,
		Tags:       def.Tags,
	}, nil
}

// equalGatewayFields compares by re-encoding both sides. encoding/json
// writes map keys in sorted order, so equal content produces equal bytes.
func equalGatewayFields(a, b *gatewayFields) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
