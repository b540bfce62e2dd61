package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Search providers
	TavilyAPIKey string
	SerperAPIKey string
	SerpAPIKey   string

	// Content extraction
	JinaAPIKey string

	// Research pipeline (from the YAML config file)
	Research *ResearchConfig `yaml:"research"`

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

// ResearchConfig holds the pipeline settings that live in the config file
// rather than environment variables: the assistant persona, the generation
// provider chain, and cache expiry tuning.
type ResearchConfig struct {
	Persona PersonaConfig `yaml:"persona"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Providers is the ordered fallback chain. The first entry is the
	// preferred provider unless a persisted switch says otherwise.
	Providers []ProviderConfig `yaml:"providers"`

	// CooldownSeconds is how long a rate-limited provider is skipped.
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// RequestTimeoutSeconds bounds a single provider invocation.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// ProductCacheTTLDays and AlternativesCacheTTLDays control how long
	// cached evidence is served before a refresh.
	ProductCacheTTLDays      int `yaml:"product_cache_ttl_days"`
	AlternativesCacheTTLDays int `yaml:"alternatives_cache_ttl_days"`
}

type PersonaConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
}

// ProviderConfig describes one OpenAI-compatible text generation backend.
// The API key is resolved from the named environment variable at load time
// so secrets never live in the config file.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`

	// APIKey is populated from APIKeyEnv during LoadConfig.
	APIKey string `yaml:"-"`
}

var (
	AppConfig *Config

	DefaultProviderCooldown = 10 * time.Minute
	DefaultRequestTimeout   = 90 * time.Second
)

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/blueprint?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Search
		TavilyAPIKey: getEnvOrDefault("TAVILY_API_KEY", ""),
		SerperAPIKey: getEnvOrDefault("SERPER_API_KEY", ""),
		SerpAPIKey:   getEnvOrDefault("SERPAPI_API_KEY", ""),

		// Content extraction
		JinaAPIKey: getEnvOrDefault("JINA_API_KEY", ""),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load pipeline settings from the configuration file.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	log.Printf("Loading config file: %v", configFilePath)

	configFile, err := os.Open(configFilePath)
	defer func() {
		if configFile != nil {
			configFile.Close()
		}
	}()

	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	// Validate required configs
	if AppConfig.Research == nil || len(AppConfig.Research.Providers) == 0 {
		log.Fatal("Research provider chain is empty")
	}

	resolved := 0
	for i := range AppConfig.Research.Providers {
		p := &AppConfig.Research.Providers[i]
		if err := p.Validate(); err != nil {
			log.Fatalf("Invalid provider config: %v", err)
		}
		if p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.APIKey != "" {
			resolved++
		} else {
			log.Printf("Warning: no API key for provider %s (env %s); it will fail until configured", p.Name, p.APIKeyEnv)
		}
	}
	if resolved == 0 {
		log.Println("Warning: no provider API keys resolved. Every generation call will fail.")
	}

	if AppConfig.TavilyAPIKey == "" {
		log.Println("Warning: Tavily API key is missing. Please set TAVILY_API_KEY environment variable.")
	}

	if AppConfig.SerperAPIKey == "" {
		log.Println("Warning: Serper API key is missing. Search falls through to the emergency provider sooner.")
	}

	if AppConfig.SerpAPIKey == "" {
		log.Println("Warning: SerpAPI key is missing. Play Store lookups are disabled.")
	}
}

// CooldownDuration returns the provider cooldown window.
func (r *ResearchConfig) CooldownDuration() time.Duration {
	if r.CooldownSeconds <= 0 {
		return DefaultProviderCooldown
	}
	return time.Duration(r.CooldownSeconds) * time.Second
}

// RequestTimeout returns the per-provider invocation timeout.
func (r *ResearchConfig) RequestTimeout() time.Duration {
	if r.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

// ProductCacheTTL returns the product profile cache time-to-live.
func (r *ResearchConfig) ProductCacheTTL() time.Duration {
	days := r.ProductCacheTTLDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// AlternativesCacheTTL returns the alternatives cache time-to-live.
func (r *ResearchConfig) AlternativesCacheTTL() time.Duration {
	days := r.AlternativesCacheTTLDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}

// Validate reports obviously broken provider entries. LoadConfig calls it
// for every provider before resolving keys.
func (p ProviderConfig) Validate() error {
	if p.Name == "" || p.BaseURL == "" || p.Model == "" {
		return fmt.Errorf("provider entry incomplete: name=%q base_url=%q model=%q", p.Name, p.BaseURL, p.Model)
	}
	return nil
}
