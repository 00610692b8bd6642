// Package config provides configuration management for the translation service.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/text/language"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/types"
)

const (
	// EnvOpenAIAPIKey is the environment variable name for OpenAI API key
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	// EnvOpenAIBaseURL is the environment variable name for OpenAI base URL
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	// EnvOpenAIModel is the environment variable name for the model identifier
	EnvOpenAIModel = "OPENAI_MODEL"

	// KeyringService and KeyringUser locate the API key in the OS keyring
	// when OPENAI_API_KEY is not set.
	KeyringService = "pdftranslate-server"
	KeyringUser    = "openai"

	DefaultBaseURL         = "https://api.siliconflow.cn/v1"
	DefaultModel           = "deepseek-ai/DeepSeek-V3"
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8000
	DefaultQPS             = 4
	DefaultLangIn          = "en"
	DefaultLangOut         = "zh"
	DefaultWatermarkMode   = string(types.WatermarkNone)
	DefaultJanitorSchedule = "@every 10m"
	DefaultMaxUploadMB     = 200
)

// ConfigManager manages service configuration.
// Precedence, lowest first: defaults, JSON config file, environment, OS keyring (API key only).
type ConfigManager struct {
	configPath string
	config     *types.Config
}

// NewConfigManager creates a new ConfigManager. An empty configPath skips the file layer.
func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath: configPath,
		config:     defaultConfig(),
	}
}

func defaultConfig() *types.Config {
	return &types.Config{
		OpenAIBaseURL:       DefaultBaseURL,
		OpenAIModel:         DefaultModel,
		ServerHost:          DefaultHost,
		ServerPort:          DefaultPort,
		QPS:                 DefaultQPS,
		DefaultLangIn:       DefaultLangIn,
		DefaultLangOut:      DefaultLangOut,
		WatermarkOutputMode: DefaultWatermarkMode,
		JanitorSchedule:     DefaultJanitorSchedule,
		MaxUploadMB:         DefaultMaxUploadMB,
		LogLevel:            "info",
	}
}

// Load resolves the configuration from all layers.
func (m *ConfigManager) Load() error {
	m.config = defaultConfig()

	if m.configPath != "" {
		if err := m.loadFile(); err != nil {
			return err
		}
	}

	if err := m.applyEnv(); err != nil {
		return err
	}

	if m.config.OpenAIAPIKey == "" {
		m.config.OpenAIAPIKey = lookupKeyring()
	}

	logger.Debug("configuration loaded",
		logger.String("path", m.configPath),
		logger.Int("apiKeyLength", len(m.config.OpenAIAPIKey)),
		logger.String("baseURL", m.config.OpenAIBaseURL),
		logger.String("model", m.config.OpenAIModel))
	return nil
}

func (m *ConfigManager) loadFile() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("config file not found, using defaults", logger.String("path", m.configPath))
			return nil
		}
		return types.NewAppError(types.ErrConfig, "failed to read config file", err)
	}

	// Unmarshal over the defaults so absent keys keep their default values.
	if err := json.Unmarshal(data, m.config); err != nil {
		return types.NewAppErrorWithDetails(types.ErrConfig, "invalid config file", m.configPath, err)
	}
	return nil
}

func (m *ConfigManager) applyEnv() error {
	c := m.config

	setString(&c.OpenAIAPIKey, EnvOpenAIAPIKey)
	setString(&c.OpenAIBaseURL, EnvOpenAIBaseURL)
	setString(&c.OpenAIModel, EnvOpenAIModel)
	setString(&c.ServerHost, "SERVER_HOST")
	setString(&c.DefaultLangIn, "DEFAULT_LANG_IN")
	setString(&c.DefaultLangOut, "DEFAULT_LANG_OUT")
	setString(&c.WatermarkOutputMode, "WATERMARK_OUTPUT_MODE")
	setString(&c.WorkDirectory, "WORK_DIR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.TaskRetention, "TASK_RETENTION")
	setString(&c.JanitorSchedule, "JANITOR_SCHEDULE")
	setString(&c.PythonBin, "PYTHON_BIN")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFile, "LOG_FILE")

	for key, dst := range map[string]*int{
		"SERVER_PORT":   &c.ServerPort,
		"QPS":           &c.QPS,
		"MAX_UPLOAD_MB": &c.MaxUploadMB,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}

	// Booleans follow the original convention: only the literal "true" enables.
	setBool(&c.NoDual, "NO_DUAL")
	setBool(&c.NoMono, "NO_MONO")
	setBool(&c.VerifyModel, "VERIFY_MODEL")
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrConfig, "invalid integer in "+key, v, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = strings.ToLower(strings.TrimSpace(v)) == "true"
	}
}

func lookupKeyring() string {
	secret, err := keyring.Get(KeyringService, KeyringUser)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			logger.Debug("keyring lookup failed", logger.Err(err))
		}
		return ""
	}
	return secret
}

// Validate checks the resolved configuration. Any failure is a CONFIG_ERROR
// and the process must not start.
func (m *ConfigManager) Validate() error {
	c := m.config
	if c.OpenAIAPIKey == "" {
		return types.NewAppError(types.ErrConfig,
			"missing OpenAI API key; set "+EnvOpenAIAPIKey+" or store it in the OS keyring", nil)
	}
	if c.QPS <= 0 {
		return types.NewAppErrorWithDetails(types.ErrConfig, "QPS must be positive", strconv.Itoa(c.QPS), nil)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return types.NewAppErrorWithDetails(types.ErrConfig, "invalid server port", strconv.Itoa(c.ServerPort), nil)
	}
	if c.MaxUploadMB <= 0 {
		return types.NewAppErrorWithDetails(types.ErrConfig, "MAX_UPLOAD_MB must be positive", strconv.Itoa(c.MaxUploadMB), nil)
	}
	for _, lang := range []string{c.DefaultLangIn, c.DefaultLangOut} {
		if _, err := language.Parse(lang); err != nil {
			return types.NewAppErrorWithDetails(types.ErrConfig, "invalid default language", lang, err)
		}
	}
	if _, err := types.ParseWatermarkMode(c.WatermarkOutputMode); err != nil {
		return types.NewAppErrorWithDetails(types.ErrConfig, "invalid WATERMARK_OUTPUT_MODE", c.WatermarkOutputMode, err)
	}
	if _, err := m.Retention(); err != nil {
		return err
	}
	return nil
}

// GetConfig returns the current configuration.
func (m *ConfigManager) GetConfig() *types.Config {
	return m.config
}

// SetConfig replaces the configuration. Used by tests and by flag overrides.
func (m *ConfigManager) SetConfig(config *types.Config) {
	m.config = config
}

// GetConfigPath returns the path to the config file.
func (m *ConfigManager) GetConfigPath() string {
	return m.configPath
}

// Retention returns the task retention period; zero means keep forever.
func (m *ConfigManager) Retention() (time.Duration, error) {
	raw := strings.TrimSpace(m.config.TaskRetention)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, types.NewAppErrorWithDetails(types.ErrConfig, "invalid TASK_RETENTION", raw, err)
	}
	return d, nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (m *ConfigManager) MaxUploadBytes() int64 {
	return int64(m.config.MaxUploadMB) << 20
}
