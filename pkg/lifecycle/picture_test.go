package lifecycle

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPictureFromDataURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	content := []byte{0x89, 0x50, 0x4e, 0x47}
	upd := updateFrom(created)
	upd.Picture = "data:image/png;base64," + base64.StdEncoding.EncodeToString(content)
	_, err := f.svc.Update(ctx, created.ID, upd, "alice")
	require.NoError(t, err)

	img, err := f.svc.Picture(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.Type)
	assert.Equal(t, content, img.Content)
}

func TestPictureFallsBackToDefaultIcon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createApi(t, "/orders")

	icon := filepath.Join(t.TempDir(), "default.png")
	require.NoError(t, os.WriteFile(icon, []byte("fake png"), 0o600))
	f.svc.defaultIconPath = icon

	img, err := f.svc.Picture(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.Type)
	assert.Equal(t, []byte("fake png"), img.Content)
}

func TestPictureRejectsMalformedDataURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no prefix", "image/png;base64,aGk="},
		{"no separator", "data:image/png;base64"},
		{"bad base64", "data:image/png;base64,%%%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeDataURL(tt.in)
			assert.Error(t, err)
		})
	}
}
