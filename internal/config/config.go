package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SMARTRACK_STORAGE_DRIVER.
const EnvPrefix = "SMARTRACK"

// Config holds all configuration for the application.
// Values are read by viper from a config file, the environment and flags.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Log      LogConfig      `mapstructure:"log"`
	Capture  CaptureConfig  `mapstructure:"capture"`
}

type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	BadgerPath string `mapstructure:"badger_path"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type BridgeConfig struct {
	ExtensionOrigin string        `mapstructure:"extension_origin"`
	DashboardHosts  []string      `mapstructure:"dashboard_hosts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	PageTextMax     int           `mapstructure:"page_text_max"`
	// LoadTimeout bounds rendering a page into a tab.
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
	// DashboardURL, when set, is loaded at startup to pick up the signed-in token.
	DashboardURL string `mapstructure:"dashboard_url"`
	// BrowserProfile keeps the headless browser's cookies and localStorage.
	BrowserProfile string `mapstructure:"browser_profile"`
}

type BackendConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BeaconRate  float64       `mapstructure:"beacon_rate"`
	BeaconQueue int           `mapstructure:"beacon_queue"`
}

type NotifyConfig struct {
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type TelegramConfig struct {
	// BotToken is optional; without it no chat surface is started.
	BotToken string `mapstructure:"bot_token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CaptureConfig struct {
	SuccessDismiss time.Duration `mapstructure:"success_dismiss"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "badger")
	v.SetDefault("storage.badger_path", "./badger_data")
	v.SetDefault("storage.sqlite_path", "./smartrack.db")
	v.SetDefault("bridge.extension_origin", "")
	v.SetDefault("bridge.dashboard_hosts", []string{"localhost"})
	v.SetDefault("bridge.retry_delay", 150*time.Millisecond)
	v.SetDefault("bridge.auth_timeout", time.Second)
	v.SetDefault("bridge.page_text_max", 2000)
	v.SetDefault("bridge.load_timeout", 30*time.Second)
	v.SetDefault("bridge.dashboard_url", "")
	v.SetDefault("bridge.browser_profile", "")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.beacon_rate", 10.0)
	v.SetDefault("backend.beacon_queue", 64)
	v.SetDefault("notify.amqp_url", "")
	v.SetDefault("notify.exchange", "smartrack")
	v.SetDefault("notify.routing_key", "link.saved")
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("capture.success_dismiss", 1500*time.Millisecond)
}

// Flags returns the command-line flags understood by LoadConfig.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("smartrack", pflag.ContinueOnError)
	fs.String("config-dir", "./configs", "directory holding config.yaml")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("storage-driver", "", "local store driver (badger or sqlite)")
	fs.String("backend-url", "", "base url of the SmarTrack API")
	return fs
}

// LoadConfig reads configuration from the config file, the environment and
// the parsed flags in fs. Later sources override earlier ones.
func LoadConfig(fs *pflag.FlagSet) (config Config, err error) {
	dir, _ := fs.GetString("config-dir")
	envFile, _ := fs.GetString("env-file")

	// A missing .env file is normal outside development.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("error reading env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"log.level":        "log-level",
		"storage.driver":   "storage-driver",
		"backend.base_url": "backend-url",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Without a config file, defaults and the environment still apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}
	config.Bridge.DashboardHosts = splitHosts(config.Bridge.DashboardHosts)

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// splitHosts accepts both a YAML list and a comma separated env value.
func splitHosts(in []string) []string {
	var out []string
	for _, h := range in {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks values that have no usable fallback.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "badger", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be badger or sqlite, got %q", c.Storage.Driver)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if len(c.Bridge.DashboardHosts) == 0 {
		return errors.New("bridge.dashboard_hosts is empty")
	}
	if c.Bridge.RetryDelay <= 0 || c.Bridge.AuthTimeout <= 0 {
		return errors.New("bridge.retry_delay and bridge.auth_timeout must be positive")
	}
	if c.Bridge.DashboardURL != "" {
		u, err := url.Parse(c.Bridge.DashboardURL)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("bridge.dashboard_url is not a url: %q", c.Bridge.DashboardURL)
		}
		if !slices.Contains(c.Bridge.DashboardHosts, u.Hostname()) {
			return fmt.Errorf("bridge.dashboard_url host %q is not in bridge.dashboard_hosts", u.Hostname())
		}
	}
	if c.Bridge.PageTextMax <= 0 {
		return fmt.Errorf("bridge.page_text_max must be positive, got %d", c.Bridge.PageTextMax)
	}
	return nil
}
