// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"path/filepath"
	"time"
)

// RetryConfig holds the exponential backoff settings shared by stages that
// call remote APIs.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first failed attempt.
	// Nil selects the stage default; an explicit 0 disables retries.
	MaxRetries *int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// InitialRetryDelay is the delay before the first retry (default 2s).
	InitialRetryDelay time.Duration `json:"initial_retry_delay" yaml:"initial_retry_delay" mapstructure:"initial_retry_delay"`

	// MaxRetryDelay caps the exponential growth of the delay (default 10s).
	MaxRetryDelay time.Duration `json:"max_retry_delay" yaml:"max_retry_delay" mapstructure:"max_retry_delay"`

	// RequestTimeout bounds a single HTTP call; a timeout counts as retryable.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
}

// DiscoveryConfig holds the adaptive pagination limits for transaction discovery.
type DiscoveryConfig struct {
	InitialLimit   int `json:"initial_limit" yaml:"initial_limit" mapstructure:"initial_limit"`
	LimitIncrement int `json:"limit_increment" yaml:"limit_increment" mapstructure:"limit_increment"`
	MaxLimit       int `json:"max_limit" yaml:"max_limit" mapstructure:"max_limit"`
}

// Agent is a monitored application instance in Glowroot.
type Agent struct {
	ID string `json:"agent_id" yaml:"agent_id" mapstructure:"agent_id"`
}

// GlowrootConfig holds settings for the fetch stage.
type GlowrootConfig struct {
	// BaseURL is the Glowroot server root (GLOWROOT_BASE_URL overrides it).
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`

	// HoursAgo is the size of the time window ending now.
	HoursAgo int `json:"hours_ago" yaml:"hours_ago" mapstructure:"hours_ago"`

	Agents []Agent `json:"agents" yaml:"agents" mapstructure:"agents"`

	Discovery DiscoveryConfig `json:"transaction_discovery" yaml:"transaction_discovery" mapstructure:"transaction_discovery"`

	// DiscoveryWorkers bounds how many agents are discovered concurrently.
	DiscoveryWorkers int `json:"discovery_workers" yaml:"discovery_workers" mapstructure:"discovery_workers"`

	// MaxWorkers bounds concurrent transaction and query fetches.
	MaxWorkers int `json:"max_workers" yaml:"max_workers" mapstructure:"max_workers"`

	Retry RetryConfig `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// ReviewConfig holds settings for the review stage.
type ReviewConfig struct {
	// APIURL is the chat-completions endpoint (ZAI_API_URL overrides it).
	APIURL string `json:"api_url" yaml:"api_url" mapstructure:"api_url"`

	// APIKey authenticates against the LLM API (ZAI_API_KEY overrides it).
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// SystemPromptFile is the path of the reviewer system prompt.
	SystemPromptFile string `json:"system_prompt_file" yaml:"system_prompt_file" mapstructure:"system_prompt_file"`

	// MaxTokens bounds the completion length (default 4096).
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`

	MaxWorkers int `json:"max_workers" yaml:"max_workers" mapstructure:"max_workers"`

	// RateLimit is a request-per-second ceiling across all review workers.
	// Zero disables it.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`

	// ReviewDir is relative to OutputConfig.BaseDir.
	ReviewDir string `json:"review_dir" yaml:"review_dir" mapstructure:"review_dir"`

	Retry RetryConfig `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// OutputConfig holds artifact locations. All directories except LogsDir are
// relative to BaseDir.
type OutputConfig struct {
	BaseDir      string `json:"base_dir" yaml:"base_dir" mapstructure:"base_dir"`
	SQLDir       string `json:"sql_dir" yaml:"sql_dir" mapstructure:"sql_dir"`
	SQLInfoDir   string `json:"sql_info_dir" yaml:"sql_info_dir" mapstructure:"sql_info_dir"`
	DiscoveryDir string `json:"discovery_dir" yaml:"discovery_dir" mapstructure:"discovery_dir"`
	MetadataDir  string `json:"metadata_dir" yaml:"metadata_dir" mapstructure:"metadata_dir"`
	LogsDir      string `json:"logs_dir" yaml:"logs_dir" mapstructure:"logs_dir"`

	// MaxFailureRatio is the share of failed items a stage tolerates before
	// it reports a non-zero exit status. Zero means any failure fails the run.
	MaxFailureRatio float64 `json:"max_failure_ratio" yaml:"max_failure_ratio" mapstructure:"max_failure_ratio"`
}

// Path joins a directory relative to BaseDir.
func (o OutputConfig) Path(dir string) string {
	return filepath.Join(o.BaseDir, dir)
}

// LoggingConfig selects the log level and sinks.
type LoggingConfig struct {
	Level         string `json:"level" yaml:"level" mapstructure:"level"`
	ConsoleOutput bool   `json:"console_output" yaml:"console_output" mapstructure:"console_output"`
	FileOutput    bool   `json:"file_output" yaml:"file_output" mapstructure:"file_output"`
}

// PipelineConfig groups all stage configurations for the pipeline. It is
// decoded once at startup and passed by value afterwards.
type PipelineConfig struct {
	Glowroot GlowrootConfig `json:"glowroot" yaml:"glowroot" mapstructure:"glowroot"`
	Review   ReviewConfig   `json:"review" yaml:"review" mapstructure:"review"`
	Output   OutputConfig   `json:"output" yaml:"output" mapstructure:"output"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// Defaults mirror the values the pipeline has always shipped with.
const (
	DefaultGlowrootURL     = "http://localhost:4000"
	DefaultReviewURL       = "https://api.z.ai/api/coding/paas/v4/chat/completions"
	DefaultReviewModel     = "glm-4.6"
	DefaultHoursAgo        = 24
	DefaultInitialLimit    = 200
	DefaultLimitIncrement  = 200
	DefaultMaxLimit        = 5000
	DefaultFetchWorkers    = 10
	DefaultDiscoverWorkers = 2
	DefaultReviewWorkers   = 3
	DefaultReviewRetries   = 15
	DefaultFetchRetries    = 3
	DefaultMaxTokens       = 4096
)

// Retries returns MaxRetries, or 0 when it is unset.
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return 0
	}
	return *r.MaxRetries
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

func (r RetryConfig) withDefaults(maxRetries int, timeout time.Duration) RetryConfig {
	if r.MaxRetries == nil {
		r.MaxRetries = IntPtr(maxRetries)
	}
	if r.InitialRetryDelay == 0 {
		r.InitialRetryDelay = 2 * time.Second
	}
	if r.MaxRetryDelay == 0 {
		r.MaxRetryDelay = 10 * time.Second
	}
	if r.RequestTimeout == 0 {
		r.RequestTimeout = timeout
	}
	return r
}

// WithDefaults fills zero values. Negative values are left alone so that
// Validate can reject them.
func (c PipelineConfig) WithDefaults() PipelineConfig {
	g := &c.Glowroot
	if g.BaseURL == "" {
		g.BaseURL = DefaultGlowrootURL
	}
	if g.HoursAgo == 0 {
		g.HoursAgo = DefaultHoursAgo
	}
	if g.Discovery.InitialLimit == 0 {
		g.Discovery.InitialLimit = DefaultInitialLimit
	}
	if g.Discovery.LimitIncrement == 0 {
		g.Discovery.LimitIncrement = DefaultLimitIncrement
	}
	if g.Discovery.MaxLimit == 0 {
		g.Discovery.MaxLimit = DefaultMaxLimit
	}
	if g.DiscoveryWorkers == 0 {
		g.DiscoveryWorkers = DefaultDiscoverWorkers
	}
	if g.MaxWorkers == 0 {
		g.MaxWorkers = DefaultFetchWorkers
	}
	g.Retry = g.Retry.withDefaults(DefaultFetchRetries, 60*time.Second)

	r := &c.Review
	if r.APIURL == "" {
		r.APIURL = DefaultReviewURL
	}
	if r.Model == "" {
		r.Model = DefaultReviewModel
	}
	if r.SystemPromptFile == "" {
		r.SystemPromptFile = filepath.Join("resources", "review_prompt.txt")
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.MaxWorkers == 0 {
		r.MaxWorkers = DefaultReviewWorkers
	}
	if r.ReviewDir == "" {
		r.ReviewDir = "review"
	}
	r.Retry = r.Retry.withDefaults(DefaultReviewRetries, 120*time.Second)

	o := &c.Output
	if o.BaseDir == "" {
		o.BaseDir = "outputs"
	}
	if o.SQLDir == "" {
		o.SQLDir = filepath.Join("fetchers", "sql")
	}
	if o.SQLInfoDir == "" {
		o.SQLInfoDir = filepath.Join("fetchers", "sql_info")
	}
	if o.DiscoveryDir == "" {
		o.DiscoveryDir = filepath.Join("fetchers", "discovery")
	}
	if o.MetadataDir == "" {
		o.MetadataDir = "metadata"
	}
	if o.LogsDir == "" {
		o.LogsDir = "logs"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

func (r RetryConfig) validate(stage string) error {
	if r.Retries() < 0 {
		return fmt.Errorf("%s.retry.max_retries must be >= 0, got %d", stage, r.Retries())
	}
	if r.InitialRetryDelay < 0 || r.MaxRetryDelay < 0 {
		return fmt.Errorf("%s.retry delays must be >= 0", stage)
	}
	if r.MaxRetryDelay < r.InitialRetryDelay {
		return fmt.Errorf("%s.retry.max_retry_delay (%v) is below initial_retry_delay (%v)", stage, r.MaxRetryDelay, r.InitialRetryDelay)
	}
	if r.RequestTimeout < 0 {
		return fmt.Errorf("%s.retry.request_timeout must be >= 0", stage)
	}
	return nil
}

// Validate reports configuration errors that must stop the pipeline before
// any work is dispatched.
func (c PipelineConfig) Validate() error {
	d := c.Glowroot.Discovery
	if d.InitialLimit <= 0 {
		return fmt.Errorf("glowroot.transaction_discovery.initial_limit must be > 0, got %d", d.InitialLimit)
	}
	if d.LimitIncrement <= 0 {
		return fmt.Errorf("glowroot.transaction_discovery.limit_increment must be > 0, got %d", d.LimitIncrement)
	}
	if d.MaxLimit < d.InitialLimit {
		return fmt.Errorf("glowroot.transaction_discovery.max_limit (%d) is below initial_limit (%d)", d.MaxLimit, d.InitialLimit)
	}
	if c.Glowroot.HoursAgo <= 0 {
		return fmt.Errorf("glowroot.hours_ago must be > 0, got %d", c.Glowroot.HoursAgo)
	}
	if c.Glowroot.DiscoveryWorkers <= 0 {
		return fmt.Errorf("glowroot.discovery_workers must be > 0, got %d", c.Glowroot.DiscoveryWorkers)
	}
	if c.Glowroot.MaxWorkers <= 0 {
		return fmt.Errorf("glowroot.max_workers must be > 0, got %d", c.Glowroot.MaxWorkers)
	}
	if c.Review.MaxWorkers <= 0 {
		return fmt.Errorf("review.max_workers must be > 0, got %d", c.Review.MaxWorkers)
	}
	if c.Review.RateLimit < 0 {
		return fmt.Errorf("review.rate_limit must be >= 0, got %v", c.Review.RateLimit)
	}
	if c.Output.MaxFailureRatio < 0 || c.Output.MaxFailureRatio > 1 {
		return fmt.Errorf("output.max_failure_ratio must be within [0,1], got %v", c.Output.MaxFailureRatio)
	}
	if err := c.Glowroot.Retry.validate("glowroot"); err != nil {
		return err
	}
	return c.Review.Retry.validate("review")
}

// AgentIDs returns the configured agent identifiers in config order.
func (g GlowrootConfig) AgentIDs() []string {
	ids := make([]string, 0, len(g.Agents))
	for _, a := range g.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}
