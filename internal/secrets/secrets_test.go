// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/sql-reviewer/pkg/types"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
		want  map[string]string
	}{
		{
			name: "reads key files and trims whitespace",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ZAIAPIKey, "  zk_abc123  \n")
				writeFile(t, dir, GlowrootBaseURL, "http://glowroot:4000\n")
				return dir
			},
			want: map[string]string{
				ZAIAPIKey:       "zk_abc123",
				GlowrootBaseURL: "http://glowroot:4000",
			},
		},
		{
			name: "returns empty map for nonexistent directory",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "does-not-exist")
			},
			want: map[string]string{},
		},
		{
			name: "skips empty files",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ZAIAPIKey, "valid-key")
				writeFile(t, dir, "empty-key", "")
				writeFile(t, dir, "whitespace-only", "   \n\t  ")
				return dir
			},
			want: map[string]string{ZAIAPIKey: "valid-key"},
		},
		{
			name: "skips dotfiles and subdirectories",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ".gitkeep", "")
				writeFile(t, dir, ".hidden-key", "secret")
				writeFile(t, dir, ZAIAPIKey, "zk_real")
				require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
				return dir
			},
			want: map[string]string{ZAIAPIKey: "zk_real"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Load(tt.setup(t), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file", "x")
	_, err := Load(filepath.Join(dir, "file"), nil)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	s := map[string]string{ZAIAPIKey: "from-secret", GlowrootBaseURL: "http://secret:4000"}

	got := Apply(types.PipelineConfig{}, s)
	assert.Equal(t, "from-secret", got.Review.APIKey)
	assert.Equal(t, "http://secret:4000", got.Glowroot.BaseURL)

	var cfg types.PipelineConfig
	cfg.Review.APIKey = "from-env"
	cfg.Glowroot.BaseURL = "http://env:4000"
	got = Apply(cfg, s)
	assert.Equal(t, "from-env", got.Review.APIKey)
	assert.Equal(t, "http://env:4000", got.Glowroot.BaseURL)

	got = Apply(types.PipelineConfig{}, map[string]string{})
	assert.Empty(t, got.Review.APIKey)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
