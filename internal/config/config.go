// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Device       DeviceConfig       `mapstructure:"device" yaml:"device"`
	Monitor      MonitorConfig      `mapstructure:"monitor" yaml:"monitor"`
	Evaluator    EvaluatorConfig    `mapstructure:"evaluator" yaml:"evaluator"`
	Recovery     RecoveryConfig     `mapstructure:"recovery" yaml:"recovery"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Planner      PlannerConfig      `mapstructure:"planner" yaml:"planner"`
	Artifacts    ArtifactsConfig    `mapstructure:"artifacts" yaml:"artifacts"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BackendKind selects the device-automation backend.
type BackendKind string

const (
	BackendAppium BackendKind = "appium"
	BackendWeb    BackendKind = "web"
)

// DeviceConfig configures the device-automation backend.
type DeviceConfig struct {
	Backend BackendKind  `mapstructure:"backend" yaml:"backend"`
	Appium  AppiumConfig `mapstructure:"appium" yaml:"appium"`
	Web     WebConfig    `mapstructure:"web" yaml:"web"`
}

// AppiumConfig holds the Appium server connection and session capabilities.
type AppiumConfig struct {
	ServerURL      string         `mapstructure:"server_url" yaml:"server_url"`
	PlatformName   string         `mapstructure:"platform_name" yaml:"platform_name"`
	DeviceName     string         `mapstructure:"device_name" yaml:"device_name"`
	AppPackage     string         `mapstructure:"app_package" yaml:"app_package"`
	AppActivity    string         `mapstructure:"app_activity" yaml:"app_activity"`
	AutomationName string         `mapstructure:"automation_name" yaml:"automation_name"`
	NoReset        bool           `mapstructure:"no_reset" yaml:"no_reset"`
	Capabilities   map[string]any `mapstructure:"capabilities" yaml:"capabilities"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRetryTime   time.Duration  `mapstructure:"max_retry_time" yaml:"max_retry_time"`
}

// WebConfig configures the headless browser backend.
type WebConfig struct {
	StartURL       string        `mapstructure:"start_url" yaml:"start_url"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	Typing         TypingConfig  `mapstructure:"typing" yaml:"typing"`
}

// TypingConfig shapes keystroke timing when text is typed one key at a time.
// Durations are in milliseconds.
type TypingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	KeyHoldMean    float64 `mapstructure:"key_hold_mean" yaml:"key_hold_mean"`
	KeyHoldStdDev  float64 `mapstructure:"key_hold_std_dev" yaml:"key_hold_std_dev"`
	FlightMean     float64 `mapstructure:"flight_mean" yaml:"flight_mean"`
	FlightStdDev   float64 `mapstructure:"flight_std_dev" yaml:"flight_std_dev"`
	TypoRate       float64 `mapstructure:"typo_rate" yaml:"typo_rate"`
	CorrectionWait float64 `mapstructure:"correction_wait" yaml:"correction_wait"`
}

// MonitorConfig configures the screen sampling loop.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// EvaluatorConfig configures the OCR and pattern-matching modalities.
type EvaluatorConfig struct {
	OCR     OCRConfig     `mapstructure:"ocr" yaml:"ocr"`
	Pattern PatternConfig `mapstructure:"pattern" yaml:"pattern"`
}

// OCRConfig configures the tesseract adapter.
type OCRConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Binary   string        `mapstructure:"binary" yaml:"binary"`
	Language string        `mapstructure:"language" yaml:"language"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PatternConfig configures template matching.
type PatternConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	TemplateDir string  `mapstructure:"template_dir" yaml:"template_dir"`
	Threshold   float64 `mapstructure:"threshold" yaml:"threshold"`
	MaxSide     int     `mapstructure:"max_side" yaml:"max_side"`
}

// RecoveryConfig tunes the adaptive recovery ladder and keyboard handling.
type RecoveryConfig struct {
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	KeyboardCheckWait time.Duration `mapstructure:"keyboard_check_wait" yaml:"keyboard_check_wait"`
	KeyboardAppear    time.Duration `mapstructure:"keyboard_appear_timeout" yaml:"keyboard_appear_timeout"`
	PostActionSettle  time.Duration `mapstructure:"post_action_settle" yaml:"post_action_settle"`
}

// OrchestratorConfig bounds the top-level control loop.
type OrchestratorConfig struct {
	MaxCycles          int `mapstructure:"max_cycles" yaml:"max_cycles"`
	MaxRepeatedActions int `mapstructure:"max_repeated_actions" yaml:"max_repeated_actions"`
	MaxRepeatedGoals   int `mapstructure:"max_repeated_goals" yaml:"max_repeated_goals"`
}

// PlannerConfig configures the planning tiers.
type PlannerConfig struct {
	AIEnabled bool           `mapstructure:"ai_enabled" yaml:"ai_enabled"`
	LLM       LLMModelConfig `mapstructure:"llm" yaml:"llm"`
	// RequestsPerMinute caps AI planner calls; zero disables the limit.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderGenAI  LLMProvider = "genai"
)

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// StorageKind selects the screenshot archive.
type StorageKind string

const (
	StorageLocal StorageKind = "local"
	StorageS3    StorageKind = "s3"
)

// ArtifactsConfig configures where screenshots are written.
type ArtifactsConfig struct {
	Kind          StorageKind   `mapstructure:"kind" yaml:"kind"`
	LocalDir      string        `mapstructure:"local_dir" yaml:"local_dir"`
	Bucket        string        `mapstructure:"bucket" yaml:"bucket"`
	Region        string        `mapstructure:"region" yaml:"region"`
	Prefix        string        `mapstructure:"prefix" yaml:"prefix"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry" yaml:"presign_expiry"`
}

// DatabaseConfig holds the database connection details. An empty URL disables run persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sightline")
	v.SetDefault("logger.log_file", "sightline.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Device --
	v.SetDefault("device.backend", string(BackendAppium))
	v.SetDefault("device.appium.server_url", "http://127.0.0.1:4723")
	v.SetDefault("device.appium.platform_name", "Android")
	v.SetDefault("device.appium.device_name", "emulator-5554")
	v.SetDefault("device.appium.automation_name", "UiAutomator2")
	v.SetDefault("device.appium.no_reset", true)
	v.SetDefault("device.appium.request_timeout", "30s")
	v.SetDefault("device.appium.max_retry_time", "10s")
	v.SetDefault("device.web.headless", true)
	v.SetDefault("device.web.viewport_width", 412)
	v.SetDefault("device.web.viewport_height", 915)
	v.SetDefault("device.web.action_timeout", "10s")
	v.SetDefault("device.web.typing.enabled", false)
	v.SetDefault("device.web.typing.key_hold_mean", 65.0)
	v.SetDefault("device.web.typing.key_hold_std_dev", 15.0)
	v.SetDefault("device.web.typing.flight_mean", 70.0)
	v.SetDefault("device.web.typing.flight_std_dev", 28.0)
	v.SetDefault("device.web.typing.typo_rate", 0.02)
	v.SetDefault("device.web.typing.correction_wait", 180.0)

	// -- Monitor --
	v.SetDefault("monitor.interval", "1s")

	// -- Evaluator --
	v.SetDefault("evaluator.ocr.enabled", true)
	v.SetDefault("evaluator.ocr.binary", "tesseract")
	v.SetDefault("evaluator.ocr.language", "eng")
	v.SetDefault("evaluator.ocr.timeout", "5s")
	v.SetDefault("evaluator.pattern.enabled", true)
	v.SetDefault("evaluator.pattern.template_dir", "templates")
	v.SetDefault("evaluator.pattern.threshold", 0.8)
	v.SetDefault("evaluator.pattern.max_side", 480)

	// -- Recovery --
	v.SetDefault("recovery.settle_delay", "500ms")
	v.SetDefault("recovery.keyboard_check_wait", "300ms")
	v.SetDefault("recovery.keyboard_appear_timeout", "3s")
	v.SetDefault("recovery.post_action_settle", "300ms")

	// -- Orchestrator --
	v.SetDefault("orchestrator.max_cycles", 10)
	v.SetDefault("orchestrator.max_repeated_actions", 3)
	v.SetDefault("orchestrator.max_repeated_goals", 4)

	// -- Planner --
	v.SetDefault("planner.ai_enabled", false)
	v.SetDefault("planner.requests_per_minute", 10.0)
	v.SetDefault("planner.llm.provider", string(ProviderGemini))
	v.SetDefault("planner.llm.model", "gemini-2.5-flash")
	v.SetDefault("planner.llm.api_timeout", "60s")
	v.SetDefault("planner.llm.temperature", 0.2)
	v.SetDefault("planner.llm.max_tokens", 2048)

	// -- Artifacts --
	v.SetDefault("artifacts.kind", string(StorageLocal))
	v.SetDefault("artifacts.local_dir", "screenshots")
	v.SetDefault("artifacts.presign_expiry", "15m")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	_ = v.BindEnv("planner.llm.api_key", "SIGHTLINE_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "SIGHTLINE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Artifacts.LocalDir, &c.Evaluator.Pattern.TemplateDir} {
		if !strings.HasPrefix(*p, "~") {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case BackendAppium:
		if c.Device.Appium.ServerURL == "" {
			return fmt.Errorf("device.appium.server_url is required for the appium backend")
		}
	case BackendWeb:
		if c.Device.Web.StartURL == "" {
			return fmt.Errorf("device.web.start_url is required for the web backend")
		}
	default:
		return fmt.Errorf("unsupported device.backend %q", c.Device.Backend)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be a positive duration")
	}
	if c.Orchestrator.MaxCycles <= 0 {
		return fmt.Errorf("orchestrator.max_cycles must be a positive integer")
	}
	if c.Orchestrator.MaxRepeatedActions <= 0 || c.Orchestrator.MaxRepeatedGoals <= 0 {
		return fmt.Errorf("orchestrator stagnation thresholds must be positive")
	}
	if t := c.Device.Web.Typing; t.TypoRate < 0 || t.TypoRate > 0.5 {
		return fmt.Errorf("device.web.typing.typo_rate must be in [0, 0.5]")
	}
	if c.Evaluator.Pattern.Threshold <= 0 || c.Evaluator.Pattern.Threshold > 1 {
		return fmt.Errorf("evaluator.pattern.threshold must be in (0, 1]")
	}
	if err := c.Artifacts.Validate(); err != nil {
		return fmt.Errorf("artifacts configuration invalid: %w", err)
	}
	if c.Planner.AIEnabled {
		if err := c.Planner.LLM.Validate(); err != nil {
			return fmt.Errorf("planner.llm configuration invalid: %w", err)
		}
	}
	return nil
}

// Validate checks the artifact storage settings.
func (a *ArtifactsConfig) Validate() error {
	switch a.Kind {
	case StorageLocal:
		if a.LocalDir == "" {
			return fmt.Errorf("local_dir is required for local storage")
		}
	case StorageS3:
		if a.Bucket == "" || a.Region == "" {
			return fmt.Errorf("bucket and region are required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage kind %q", a.Kind)
	}
	return nil
}

// Validate checks an LLM model definition.
func (m *LLMModelConfig) Validate() error {
	if m.Provider != ProviderGemini && m.Provider != ProviderGenAI {
		return fmt.Errorf("unsupported provider %q", m.Provider)
	}
	if m.Model == "" {
		return fmt.Errorf("model is required")
	}
	if m.APIKey == "" {
		return fmt.Errorf("api_key is required when the AI planner is enabled (SIGHTLINE_LLM_API_KEY)")
	}
	return nil
}
