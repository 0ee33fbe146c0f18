package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/config"
	"gorm.io/gorm"
)

func TestNewRegistry_OnlyConfiguredProviders(t *testing.T) {
	reg := NewRegistry(config.Config{OllamaBaseURL: "http://localhost:11434", OllamaModel: "llama3:latest"})
	assert.Equal(t, []string{"ollama"}, reg.Names())

	reg = NewRegistry(config.Config{
		GeminiAPIKey: "k", GeminiModel: "gemini-2.0-flash-001",
		OpenAIAPIKey: "k", OpenAIModel: "openrouter/auto", OpenAIBaseURL: "https://openrouter.ai/api/v1",
	})
	assert.Equal(t, []string{"gemini", "ollama", "openai"}, reg.Names())
}

func TestNewService_RejectsUnconfiguredProvider(t *testing.T) {
	_, _, err := NewService(context.Background(), config.Config{AIProvider: "gemini"}, nil)
	assert.ErrorContains(t, err, "gemini")
}

func TestSeedCharacters(t *testing.T) {
	db, err := gorm.Open(gormsqlite.Open("file:bootstrap_seed?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(chat.Models()...))

	svc, cleanup, err := NewService(context.Background(), config.Config{AIProvider: "ollama"}, db)
	require.NoError(t, err)
	defer cleanup()

	path := filepath.Join(t.TempDir(), "characters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`characters:
  - name: gojo
    display_name: Satoru Gojo
    avatar_url: /gojo.png
    description: The strongest
    base_prompt: You are Gojo.
`), 0o600))

	n, err := SeedCharacters(context.Background(), svc, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = SeedCharacters(context.Background(), svc, path)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = SeedCharacters(context.Background(), svc, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLazyClient_RetriesAfterFailedBuild(t *testing.T) {
	builds := 0
	l := &lazyClient[int]{build: func() (int, error) {
		builds++
		if builds == 1 {
			return 0, errors.New("transient")
		}
		return 42, nil
	}}

	_, err := l.get()
	assert.Error(t, err)

	v, err := l.get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = l.get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, builds)
}
