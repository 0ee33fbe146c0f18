package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string
	Debug    bool

	DBDriver string
	DBDSN    string

	// JWTSecret verifies identity-provider tokens. Empty disables verification.
	JWTSecret string
	// AdminTokenHash is a bcrypt hash of the token guarding character creation.
	AdminTokenHash string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	CatalogCacheTTL time.Duration

	ChatContextWindowSize int
	CharactersFile        string

	// AI provider
	AIProvider    string
	AITimeout     time.Duration
	OllamaBaseURL string
	OllamaModel   string
	GeminiAPIKey  string
	GeminiModel   string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAISiteURL string
	OpenAIAppName string

	// generation
	Temperature     float32
	TopP            float32
	TopK            int
	MaxOutputTokens int
	ResponseFormat  string

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() Config {
	_ = gotenv.Load()

	driver := strings.ToLower(getEnv("DB_DRIVER", "mysql"))

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/character_chat?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		switch driver {
		case "sqlite":
			dsn = "character_chat.db"
		case "postgres":
			dsn = "host=127.0.0.1 user=app password=apppass dbname=character_chat port=5432 sslmode=disable"
		default:
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
				"app", "apppass", "127.0.0.1", "3306", "character_chat",
			)
		}
	}

	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		Debug:    getBool("DEBUG", false),

		DBDriver: driver,
		DBDSN:    dsn,

		JWTSecret:      os.Getenv("JWT_SECRET"),
		AdminTokenHash: os.Getenv("ADMIN_TOKEN_HASH"),

		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getInt("REDIS_DB", 0),
		CatalogCacheTTL: getDuration("CATALOG_CACHE_TTL", 5*time.Minute),

		ChatContextWindowSize: getInt("CHAT_CONTEXT_WINDOW_SIZE", 20),
		CharactersFile:        os.Getenv("CHARACTERS_FILE"),

		AIProvider:    strings.ToLower(getEnv("AI_PROVIDER", "ollama")),
		AITimeout:     getDuration("AI_TIMEOUT", 90*time.Second),
		OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:   getEnv("OLLAMA_MODEL", "llama3:latest"),
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.0-flash-001"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "openrouter/auto"),
		OpenAISiteURL: os.Getenv("OPENAI_SITE_URL"),
		OpenAIAppName: os.Getenv("OPENAI_APP_NAME"),

		Temperature:     getFloat32("GEN_TEMPERATURE", 0.9),
		TopP:            getFloat32("GEN_TOP_P", 1),
		TopK:            getInt("GEN_TOP_K", 1),
		MaxOutputTokens: getInt("GEN_MAX_OUTPUT_TOKENS", 2048),
		ResponseFormat:  strings.ToLower(getEnv("GEN_RESPONSE_FORMAT", "text")),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getEnv("RABBIT_QUEUE", "chat_jobs"),
		WorkerConcurrency: clamp(getInt("WORKER_CONCURRENCY", 2), 1, 50),
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat32(key string, def float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// CharacterSeed is one entry of the characters catalog file.
type CharacterSeed struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	AvatarURL   string   `yaml:"avatar_url"`
	Description string   `yaml:"description"`
	BasePrompt  string   `yaml:"base_prompt"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Tags        []string `yaml:"tags"`
}

type characterCatalog struct {
	Characters []CharacterSeed `yaml:"characters"`
}

// LoadCharacters parses a YAML catalog of the form
//
//	characters:
//	  - name: naruto
//	    display_name: Naruto Uzumaki
//	    base_prompt: |
//	      You are Naruto...
func LoadCharacters(path string) ([]CharacterSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cat characterCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, c := range cat.Characters {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%s: character #%d has no name", path, i+1)
		}
	}
	return cat.Characters, nil
}
