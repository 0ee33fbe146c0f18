package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"DB_DRIVER", "DB_DSN", "AI_PROVIDER", "AI_TIMEOUT", "WORKER_CONCURRENCY", "CHAT_CONTEXT_WINDOW_SIZE"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Contains(t, cfg.DBDSN, "character_chat")
	assert.Equal(t, "ollama", cfg.AIProvider)
	assert.Equal(t, 90*time.Second, cfg.AITimeout)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 20, cfg.ChatContextWindowSize)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_DSN", "")
	t.Setenv("AI_PROVIDER", "Gemini")
	t.Setenv("AI_TIMEOUT", "15")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("GEN_TEMPERATURE", "0.25")
	t.Setenv("CATALOG_CACHE_TTL", "30s")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "character_chat.db", cfg.DBDSN)
	assert.Equal(t, "gemini", cfg.AIProvider)
	assert.Equal(t, 15*time.Second, cfg.AITimeout)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.InDelta(t, 0.25, cfg.Temperature, 1e-6)
	assert.Equal(t, 30*time.Second, cfg.CatalogCacheTTL)
}

func TestLoadCharacters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`characters:
  - name: naruto
    display_name: Naruto Uzumaki
    avatar_url: /naruto.png
    description: Ninja of the Leaf
    base_prompt: |
      You are Naruto.
    tags: [ninja, leaf]
  - name: luffy
    display_name: Monkey D. Luffy
    avatar_url: /luffy.png
    description: Pirate
    base_prompt: You are Luffy.
    provider: gemini
`), 0o600))

	chars, err := LoadCharacters(path)
	require.NoError(t, err)
	require.Len(t, chars, 2)
	assert.Equal(t, "Naruto Uzumaki", chars[0].DisplayName)
	assert.Equal(t, "You are Naruto.\n", chars[0].BasePrompt)
	assert.Equal(t, []string{"ninja", "leaf"}, chars[0].Tags)
	assert.Equal(t, "gemini", chars[1].Provider)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("characters:\n  - display_name: nobody\n"), 0o600))
	_, err = LoadCharacters(bad)
	assert.Error(t, err)

	_, err = LoadCharacters(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
