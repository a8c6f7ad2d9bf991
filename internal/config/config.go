// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// セッション永続化バックエンド
const (
	SessionBackendFile     = "file"
	SessionBackendPostgres = "postgres"
	SessionBackendMemory   = "memory"
)

// envPrefix は環境変数のプレフィックス。例: PROXYMAN_API_BASE_URL
const envPrefix = "PROXYMAN"

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// API
	APIBaseURL     string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	UserAgent      string

	// Session
	SessionBackend string
	SessionDir     string
	DatabaseURL    string

	// Checkout
	PaymentSource string
	CatalogTTL    time.Duration

	// Monitor
	MonitorInterval      time.Duration
	MonitorMaxConcurrent int
	MetricsPort          string

	// Probe
	ProbeTargetURL string
	ProbeTimeout   time.Duration

	// Sandbox
	SandboxPort      string
	SandboxSecret    string
	SandboxAccessTTL time.Duration
	SandboxRateLimit int // req/min/subject

	// Logging
	LogLevel string
}

// Load はクライアント用の設定を読み込む。
// 環境変数（PROXYMAN_ プレフィックス）と任意のYAML設定ファイルを参照する。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	return load(true)
}

// LoadSandbox はサンドボックスバックエンド用の設定を読み込む。
// API_BASE_URLは必須としない。migrateのようにAPIを呼ばないコマンドでも使う。
func LoadSandbox() (*Config, error) {
	return load(false)
}

func load(requireAPI bool) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		APIBaseURL:           strings.TrimRight(v.GetString("api_base_url"), "/"),
		RequestTimeout:       positiveDuration(v, "request_timeout", 15*time.Second),
		RateLimitRPS:         v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:       v.GetInt("rate_limit_burst"),
		UserAgent:            v.GetString("user_agent"),
		SessionBackend:       strings.ToLower(v.GetString("session_backend")),
		SessionDir:           v.GetString("session_dir"),
		DatabaseURL:          v.GetString("database_url"),
		PaymentSource:        v.GetString("payment_source"),
		CatalogTTL:           positiveDuration(v, "catalog_ttl", 5*time.Minute),
		MonitorInterval:      positiveDuration(v, "monitor_interval", 5*time.Minute),
		MonitorMaxConcurrent: positiveInt(v, "monitor_max_concurrent", 8),
		MetricsPort:          v.GetString("metrics_port"),
		ProbeTargetURL:       v.GetString("probe_target_url"),
		ProbeTimeout:         positiveDuration(v, "probe_timeout", 10*time.Second),
		SandboxPort:          v.GetString("sandbox_port"),
		SandboxSecret:        v.GetString("sandbox_secret"),
		SandboxAccessTTL:     positiveDuration(v, "sandbox_access_ttl", 5*time.Minute),
		SandboxRateLimit:     positiveInt(v, "sandbox_rate_limit", 600),
		LogLevel:             v.GetString("log_level"),
	}

	// Required fields
	var missing []string

	if requireAPI && cfg.APIBaseURL == "" {
		missing = append(missing, envPrefix+"_API_BASE_URL")
	}

	switch cfg.SessionBackend {
	case SessionBackendFile, SessionBackendMemory:
	case SessionBackendPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, envPrefix+"_DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported session backend: %q", cfg.SessionBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("request_timeout", "15s")
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("user_agent", "proxyman/1.0")
	v.SetDefault("session_backend", SessionBackendFile)
	v.SetDefault("session_dir", defaultSessionDir())
	v.SetDefault("payment_source", "wallet")
	v.SetDefault("catalog_ttl", "5m")
	v.SetDefault("monitor_interval", "5m")
	v.SetDefault("monitor_max_concurrent", 8)
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("probe_target_url", "https://api.ipify.org?format=json")
	v.SetDefault("probe_timeout", "10s")
	v.SetDefault("sandbox_port", "8080")
	v.SetDefault("sandbox_secret", "sandbox-secret")
	v.SetDefault("sandbox_access_ttl", "5m")
	v.SetDefault("sandbox_rate_limit", 600)
	v.SetDefault("log_level", "info")
}

// readConfigFile は設定ファイルを読み込む。
// PROXYMAN_CONFIG で明示されたファイルが読めない場合はエラー、
// 既定の探索パスにファイルが無い場合は無視する。
func readConfigFile(v *viper.Viper) error {
	if path := os.Getenv(envPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultSessionDir())
	v.AddConfigPath("/etc/proxyman/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".proxyman"
	}
	return filepath.Join(home, ".proxyman")
}

func positiveDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d := v.GetDuration(key)
	if d <= 0 {
		return defaultVal
	}
	return d
}

func positiveInt(v *viper.Viper, key string, defaultVal int) int {
	i := v.GetInt(key)
	if i <= 0 {
		return defaultVal
	}
	return i
}
