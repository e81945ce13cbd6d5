package lifecycle

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/meridianhq/meridian/pkg/api"
)

// normalizeContextPath strips a single trailing slash so "/orders" and
// "/orders/" compare equal. The root path "/" is left untouched.
func normalizeContextPath(contextPath string) string {
	if len(contextPath) > 1 && strings.HasSuffix(contextPath, "/") {
		return contextPath[:len(contextPath)-1]
	}
	return contextPath
}

// subContext reduces a context path to its first two segments followed by a
// slash. Collision checks compare these reduced forms so that "/orders" and
// "/orders/v2" are seen as the same routing namespace while "/ordersys" is
// not: the trailing slash keeps prefix matching segment-aligned.
func subContext(contextPath string) string {
	trimmed := strings.Trim(normalizeContextPath(contextPath), "/")
	if trimmed == "" {
		return "/"
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return "/" + strings.Join(segments, "/") + "/"
}

// contextPathsCollide reports whether two context paths claim overlapping
// gateway routing namespaces.
func contextPathsCollide(a, b string) bool {
	sa, sb := subContext(a), subContext(b)
	return strings.HasPrefix(sa, sb) || strings.HasPrefix(sb, sa)
}

// checkContextPath verifies that the context path is well formed and does
// not collide with any other API's path. excludeApiID skips the API being
// updated so it never collides with itself.
func (s *Service) checkContextPath(ctx context.Context, contextPath, excludeApiID string) error {
	if contextPath == "" || !strings.HasPrefix(contextPath, "/") {
		return api.NewTechnical("context path must start with a /", nil)
	}

	all, err := s.apis.FindAll(ctx)
	if err != nil {
		return api.NewTechnical("failed to list apis for context path check", err)
	}

	for _, other := range all {
		if other.ID == excludeApiID {
			continue
		}
		var def api.Definition
		if err := json.Unmarshal([]byte(other.Definition), &def); err != nil {
			s.logger.WithError(err).WithField("api", other.ID).Warn("skipping api with unreadable definition during context path check")
			continue
		}
		if contextPathsCollide(contextPath, def.Proxy.ContextPath) {
			return api.NewContextPathAlreadyExists(contextPath)
		}
	}
	return nil
}
