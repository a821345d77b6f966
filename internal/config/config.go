package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mates-cli/internal/credentials"
	"mates-cli/internal/stream"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultBaseURL       = "https://m8tes.ai/api/v2"
	DefaultTimeout       = 300 * time.Second
	DefaultBackend       = BackendAPI
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultRetryMax      = 2
)

// Backends selectable with --backend.
const (
	BackendAPI    = "api"
	BackendOpenAI = "openai"
	BackendMock   = "mock"
)

// Config holds runtime configuration values.
type Config struct {
	APIKey        string
	BaseURL       string
	Profile       string
	Timeout       time.Duration
	Backend       string
	Format        stream.Format
	JSON          bool
	Verbose       bool
	Quiet         bool
	ShowThinking  bool
	ShowTools     bool
	LogFile       string
	PersistRuns   bool
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIAPIKey  string
	TeammateID    int64
	RetryMax      int
}

type rawConfig struct {
	APIKey        string `mapstructure:"api_key"`
	BaseURL       string `mapstructure:"base_url"`
	Profile       string `mapstructure:"profile"`
	Timeout       string `mapstructure:"timeout"`
	Backend       string `mapstructure:"backend"`
	Format        string `mapstructure:"format"`
	JSON          bool   `mapstructure:"json"`
	Verbose       bool   `mapstructure:"verbose"`
	Quiet         bool   `mapstructure:"quiet"`
	ShowThinking  bool   `mapstructure:"show_thinking"`
	ShowTools     bool   `mapstructure:"show_tools"`
	LogFile       string `mapstructure:"log_file"`
	PersistRuns   bool   `mapstructure:"persist_runs"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	OpenAIModel   string `mapstructure:"openai_model"`
	TeammateID    int64  `mapstructure:"teammate_id"`
	RetryMax      int    `mapstructure:"retry_max"`
}

// Load resolves configuration from defaults, config files, env, and flags.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_key", "")
	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("profile", credentials.DefaultProfile)
	v.SetDefault("timeout", DefaultTimeout.String())
	v.SetDefault("backend", DefaultBackend)
	v.SetDefault("format", string(stream.FormatEvents))
	v.SetDefault("json", false)
	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)
	v.SetDefault("show_thinking", true)
	v.SetDefault("show_tools", true)
	v.SetDefault("log_file", "")
	v.SetDefault("persist_runs", false)
	v.SetDefault("openai_base_url", DefaultOpenAIBaseURL)
	v.SetDefault("openai_model", DefaultOpenAIModel)
	v.SetDefault("teammate_id", 0)
	v.SetDefault("retry_max", DefaultRetryMax)

	if cmd != nil {
		bind(v, cmd, "base_url", "base-url")
		bind(v, cmd, "profile", "profile")
		bind(v, cmd, "timeout", "timeout")
		bind(v, cmd, "backend", "backend")
		bind(v, cmd, "format", "format")
		bind(v, cmd, "json", "json")
		bind(v, cmd, "verbose", "verbose")
		bind(v, cmd, "quiet", "quiet")
		bind(v, cmd, "log_file", "log-file")
		bind(v, cmd, "teammate_id", "teammate")
		bind(v, cmd, "openai_model", "model")
	}

	if seconds := os.Getenv("MATES_TIMEOUT_SECONDS"); seconds != "" {
		v.Set("timeout", seconds+"s")
	}
	if baseURL := os.Getenv("M8TES_BASE_URL"); baseURL != "" && os.Getenv("MATES_BASE_URL") == "" {
		v.Set("base_url", baseURL)
	}
	if openAIBaseURL := os.Getenv("OPENAI_BASE_URL"); openAIBaseURL != "" && os.Getenv("MATES_OPENAI_BASE_URL") == "" {
		v.Set("openai_base_url", openAIBaseURL)
	}
	if os.Getenv("MATES_MOCK") == "1" {
		v.Set("backend", BackendMock)
	}

	if err := loadConfigFile(v); err != nil {
		return Config{}, err
	}

	var raw rawConfig
	decoder, _ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "mapstructure", Result: &raw, WeaklyTypedInput: true})
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, err
	}

	timeout := DefaultTimeout
	if raw.Timeout != "" {
		parsed, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("invalid timeout duration: %w", err)
		}
		timeout = parsed
	}

	format, err := stream.ParseFormat(strings.ToLower(raw.Format))
	if err != nil {
		return Config{}, err
	}

	backend := strings.ToLower(raw.Backend)
	switch backend {
	case BackendAPI, BackendOpenAI, BackendMock:
	default:
		return Config{}, fmt.Errorf("unknown backend %q (want api, openai or mock)", raw.Backend)
	}

	showThinking := raw.ShowThinking
	if cmd != nil && changed(cmd, "no-thinking") {
		showThinking = false
	}
	showTools := raw.ShowTools
	if cmd != nil && changed(cmd, "no-tools") {
		showTools = false
	}

	cfg := Config{
		APIKey:        strings.TrimSpace(raw.APIKey),
		BaseURL:       raw.BaseURL,
		Profile:       raw.Profile,
		Timeout:       timeout,
		Backend:       backend,
		Format:        format,
		JSON:          raw.JSON,
		Verbose:       raw.Verbose,
		Quiet:         raw.Quiet,
		ShowThinking:  showThinking,
		ShowTools:     showTools,
		LogFile:       raw.LogFile,
		PersistRuns:   raw.PersistRuns,
		OpenAIBaseURL: raw.OpenAIBaseURL,
		OpenAIModel:   raw.OpenAIModel,
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		TeammateID:    raw.TeammateID,
		RetryMax:      raw.RetryMax,
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.Profile == "" {
		cfg.Profile = credentials.DefaultProfile
	}

	return cfg, nil
}

// APIKeySource names where ResolveAPIKey found the key.
type APIKeySource string

const (
	SourceConfig  APIKeySource = "config"
	SourceEnv     APIKeySource = "env"
	SourceKeyring APIKeySource = "keyring"
)

// ErrNoAPIKey is returned when no key is configured anywhere.
var ErrNoAPIKey = errors.New("no API key: set MATES_API_KEY or M8TES_API_KEY, or run `mates auth set-key`")

// ResolveAPIKey returns the API key from config or MATES_API_KEY, then
// M8TES_API_KEY, then the OS keychain.
func (c Config) ResolveAPIKey() (string, APIKeySource, error) {
	if c.APIKey != "" {
		return c.APIKey, SourceConfig, nil
	}
	if key := strings.TrimSpace(os.Getenv("M8TES_API_KEY")); key != "" {
		return key, SourceEnv, nil
	}
	key, err := credentials.GetAPIKey(c.Profile)
	if err == nil {
		return key, SourceKeyring, nil
	}
	if errors.Is(err, credentials.ErrNotFound) {
		return "", "", ErrNoAPIKey
	}
	return "", "", err
}

func bind(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if f := lookup(cmd, flag); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

func changed(cmd *cobra.Command, flag string) bool {
	f := lookup(cmd, flag)
	return f != nil && f.Changed
}

func lookup(cmd *cobra.Command, flag string) *pflag.Flag {
	if f := cmd.Flags().Lookup(flag); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(flag)
}

func loadConfigFile(v *viper.Viper) error {
	if path := os.Getenv("MATES_CONFIG"); path != "" {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	base := filepath.Join(configDir, "mates-cli")
	candidates := []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
		filepath.Join(base, "config.json"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return err
			}
			return nil
		}
	}
	return nil
}
