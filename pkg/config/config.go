package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Contains reports whether s is in the slice. An empty slice allows everything.
func (f FlexibleStringSlice) Contains(s string) bool {
	if len(f) == 0 {
		return true
	}
	for _, v := range f {
		if v == s {
			return true
		}
	}
	return false
}

// Duration reads "2m" style strings or plain seconds from JSON and env.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Log      LogConfig      `json:"log"`
	Wallet   WalletConfig   `json:"wallet"`
	Broker   BrokerConfig   `json:"broker"`
	Gateway  GatewayConfig  `json:"gateway"`
	Storage  StorageConfig  `json:"storage"`
	Provider ProviderConfig `json:"provider"`
	Chains   ChainsConfig   `json:"chains"`
	Channels ChannelsConfig `json:"channels"`
	mu       sync.RWMutex
}

type LogConfig struct {
	Level string `json:"level" env:"APOLLO_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"APOLLO_LOG_JSON"`
}

type WalletConfig struct {
	DataDir string `json:"data_dir" env:"APOLLO_WALLET_DATA_DIR"`
	// Passphrase is normally supplied through the environment or a prompt,
	// never written back by SaveConfig.
	Passphrase  string `json:"-" env:"APOLLO_WALLET_PASSPHRASE"`
	LightScrypt bool   `json:"light_scrypt" env:"APOLLO_WALLET_LIGHT_SCRYPT"`
}

type BrokerConfig struct {
	ApprovalTimeout     Duration `json:"approval_timeout" env:"APOLLO_BROKER_APPROVAL_TIMEOUT"`
	OnboardingWait      Duration `json:"onboarding_wait" env:"APOLLO_BROKER_ONBOARDING_WAIT"`
	ReceiptPollInterval Duration `json:"receipt_poll_interval" env:"APOLLO_BROKER_RECEIPT_POLL_INTERVAL"`
	ReceiptPollTimeout  Duration `json:"receipt_poll_timeout" env:"APOLLO_BROKER_RECEIPT_POLL_TIMEOUT"`
	AllowFileOrigins    bool     `json:"allow_file_origins" env:"APOLLO_BROKER_ALLOW_FILE_ORIGINS"`
	QueueSize           int      `json:"queue_size" env:"APOLLO_BROKER_QUEUE_SIZE"`
	JanitorSchedule     string   `json:"janitor_schedule" env:"APOLLO_BROKER_JANITOR_SCHEDULE"`
}

type GatewayConfig struct {
	Host      string  `json:"host" env:"APOLLO_GATEWAY_HOST"`
	Port      int     `json:"port" env:"APOLLO_GATEWAY_PORT"`
	Token     string  `json:"token" env:"APOLLO_GATEWAY_TOKEN"`
	RateLimit float64 `json:"rate_limit" env:"APOLLO_GATEWAY_RATE_LIMIT"`
	RateBurst int     `json:"rate_burst" env:"APOLLO_GATEWAY_RATE_BURST"`
}

// NewGatewayToken returns a random bearer token for the approval API.
func NewGatewayToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Addr returns host:port for listeners and clients.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type StorageConfig struct {
	Driver      string `json:"driver" env:"APOLLO_STORAGE_DRIVER"`
	Path        string `json:"path" env:"APOLLO_STORAGE_PATH"`
	PostgresURL string `json:"postgres_url" env:"APOLLO_STORAGE_POSTGRES_URL"`
}

type ProviderConfig struct {
	UUID     string `json:"uuid" env:"APOLLO_PROVIDER_UUID"`
	Name     string `json:"name" env:"APOLLO_PROVIDER_NAME"`
	RDNS     string `json:"rdns" env:"APOLLO_PROVIDER_RDNS"`
	IconPath string `json:"icon_path" env:"APOLLO_PROVIDER_ICON_PATH"`
}

type ChainsConfig struct {
	SeedFile string `json:"seed_file" env:"APOLLO_CHAINS_SEED_FILE"`
	Default  string `json:"default" env:"APOLLO_CHAINS_DEFAULT"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"APOLLO_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"APOLLO_CHANNELS_TELEGRAM_TOKEN"`
	ChatID    int64               `json:"chat_id" env:"APOLLO_CHANNELS_TELEGRAM_CHAT_ID"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"APOLLO_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type WebhookConfig struct {
	Enabled bool     `json:"enabled" env:"APOLLO_CHANNELS_WEBHOOK_ENABLED"`
	URL     string   `json:"url" env:"APOLLO_CHANNELS_WEBHOOK_URL"`
	Token   string   `json:"token" env:"APOLLO_CHANNELS_WEBHOOK_TOKEN"`
	Secret  string   `json:"secret" env:"APOLLO_CHANNELS_WEBHOOK_SECRET"`
	Timeout Duration `json:"timeout" env:"APOLLO_CHANNELS_WEBHOOK_TIMEOUT"`
}

// DefaultProviderUUID identifies this provider to EIP-6963 discovery and
// must not change between releases.
const DefaultProviderUUID = "8d9f2c0e-2b7f-4b98-9b8f-7b6a5f2f3a11"

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Wallet: WalletConfig{
			DataDir: "~/.apollo",
		},
		Broker: BrokerConfig{
			ApprovalTimeout:     Duration(2 * time.Minute),
			OnboardingWait:      Duration(2 * time.Minute),
			ReceiptPollInterval: Duration(4 * time.Second),
			ReceiptPollTimeout:  Duration(10 * time.Minute),
			QueueSize:           256,
			JanitorSchedule:     "*/5 * * * *",
		},
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      18645,
			RateLimit: 20,
			RateBurst: 40,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "~/.apollo/apollo.db",
		},
		Provider: ProviderConfig{
			UUID: DefaultProviderUUID,
			Name: "Apollo Wallet",
			RDNS: "io.zeusx.apollowallet",
		},
		Chains: ChainsConfig{
			SeedFile: "~/.apollo/chains.yaml",
			Default:  "0x61",
		},
		Channels: ChannelsConfig{
			Webhook: WebhookConfig{
				Timeout: Duration(10 * time.Second),
			},
		},
	}
}

// LoadConfig reads path (a missing file yields defaults), then applies a
// .env file from the working directory and APOLLO_* variables on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Broker.ApprovalTimeout <= 0 {
		return fmt.Errorf("broker.approval_timeout must be positive")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
	}
	if c.Channels.Webhook.Enabled && c.Channels.Webhook.URL == "" {
		return fmt.Errorf("channels.webhook.url is required when the webhook is enabled")
	}
	return nil
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Wallet.DataDir)
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) ChainSeedPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Chains.SeedFile)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
