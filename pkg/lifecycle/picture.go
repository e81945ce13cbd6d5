package lifecycle

import (
	"context"
	"encoding/base64"
	"os"
	"strings"

	"github.com/meridianhq/meridian/pkg/api"
)

// Picture resolves an API's avatar. Pictures are stored inline as data URLs
// ("data:image/png;base64,..."); APIs without one get the default icon from
// disk.
func (s *Service) Picture(ctx context.Context, apiID string) (*api.Image, error) {
	record, err := s.findRecord(ctx, apiID)
	if err != nil {
		return nil, err
	}

	if record.Picture != "" {
		img, err := decodeDataURL(record.Picture)
		if err != nil {
			return nil, api.NewTechnical("stored picture is not a valid data url", err)
		}
		return img, nil
	}

	if s.defaultIconPath == "" {
		return &api.Image{Type: "image/png", Content: nil}, nil
	}
	content, err := os.ReadFile(s.defaultIconPath)
	if err != nil {
		return nil, api.NewTechnical("failed to read default api icon", err)
	}
	return &api.Image{Type: "image/png", Content: content}, nil
}

func decodeDataURL(dataURL string) (*api.Image, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, &api.Error{Kind: api.KindTechnical, Message: "missing data: prefix"}
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, &api.Error{Kind: api.KindTechnical, Message: "missing payload separator"}
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return &api.Image{Type: mediaType, Content: content}, nil
}
