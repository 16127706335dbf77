// Package internal provides the main application initialization and
// runtime logic: wiring every component in dependency order
// (Providers -> VectorStore, DocStore -> PendingQueue -> MetaResolver ->
// Keeper) from a validated Config, then running the HTTP, MCP, and
// worker-pool surfaces together until shutdown.
package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Store     StoreConfig       `yaml:"store"`
	Providers ProvidersConfig   `yaml:"providers"`
	Keeper    KeeperSettings    `yaml:"keeper"`
	Worker    WorkerConfig      `yaml:"worker"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Keeper.Validate(); err != nil {
		return err
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns the HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig holds the on-disk layout of the three SQLite stores
// (docstore, vectorstore, queue) and the system-doc directory
// MetaResolver's fsnotify watcher follows.
type StoreConfig struct {
	DataDir       string `yaml:"data_dir"`
	SystemDocsDir string `yaml:"system_docs_dir"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
	)
}

// DocStorePath is the docstore's SQLite file path.
func (c *StoreConfig) DocStorePath() string { return c.DataDir + "/documents.db" }

// VectorStorePath is the vectorstore's SQLite file path.
func (c *StoreConfig) VectorStorePath() string { return c.DataDir + "/vectors.db" }

// QueuePath is the PendingQueue's SQLite file path.
func (c *StoreConfig) QueuePath() string { return c.DataDir + "/queue.db" }

// ProvidersConfig selects and configures the embedding/summarization/
// fetch capabilities ProviderRouter dispatches to. Analyzer and
// Describer are left to be wired in by deployments that have one; the
// core ships only the Ollama-backed embed/summarize pair and the
// http(s)/file fetcher, since model back-ends are swapped freely around
// the core.
type ProvidersConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	FetchTimeout time.Duration    `yaml:"fetch_timeout"`
}

// EmbedderConfig configures the Ollama embedding provider.
type EmbedderConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SummarizerConfig configures the Ollama summarization provider.
type SummarizerConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// KeeperSettings is the YAML-facing mirror of keeper.Config; it
// exists so zero-valued YAML fields fall back to keeper.DefaultConfig()
// rather than to Go's zero values (which would e.g. set SimilarLimit=0).
type KeeperSettings struct {
	DefaultTags      map[string]string `yaml:"default_tags"`
	RequiredTags     []string          `yaml:"required_tags"`
	MaxSummaryLength int               `yaml:"max_summary_length"`
	SimilarLimit     int               `yaml:"similar_limit"`
	MetaLimit        int               `yaml:"meta_limit"`
	VersionNavLimit  int               `yaml:"version_nav_limit"`
	RecencyHalfLife  time.Duration     `yaml:"recency_half_life"`
	FindCandidateCap int               `yaml:"find_candidate_cap"`
	DeepFindBudget   int               `yaml:"deep_find_budget"`
	DeepFindDepth    int               `yaml:"deep_find_depth"`
}

// Validate is a no-op here: zero values are meaningful ("use the
// default") and the authoritative validation happens on the assembled
// keeper.Config in Run.
func (c *KeeperSettings) Validate() error { return nil }

// WorkerConfig tunes the background claim-loop pool.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	ClaimBatch   int           `yaml:"claim_batch"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Validate validates the worker configuration.
func (c *WorkerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Concurrency, validation.Min(0)),
		validation.Field(&c.ClaimBatch, validation.Min(0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP:     HTTPConfig{Port: 8080},
		},
		Store: StoreConfig{
			DataDir:       "./data",
			SystemDocsDir: "./data/system",
		},
		Providers: ProvidersConfig{
			Embedder:     EmbedderConfig{Model: "nomic-embed-text"},
			Summarizer:   SummarizerConfig{Model: "llama3.2"},
			FetchTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{Concurrency: 4, ClaimBatch: 4, PollInterval: 2 * time.Second},
		Auth:   AuthConfig{Mode: AuthModeDisabled},
	}
}
