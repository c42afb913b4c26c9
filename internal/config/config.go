package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"zec-relay/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Zcash    ZcashConfig    `mapstructure:"zcash"`
	Rates    RatesConfig    `mapstructure:"rates"`
	Fees     FeesConfig     `mapstructure:"fees"`
	Demo     DemoConfig     `mapstructure:"demo"`
	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Alerting AlertingConfig `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SolanaConfig covers source-chain data access.
type SolanaConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ProgramID      string        `mapstructure:"program_id"`
	Commitment     string        `mapstructure:"commitment"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ZcashConfig covers the payout-side zcashd RPC endpoint.
type ZcashConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	RPCUser          string        `mapstructure:"rpc_user"`
	RPCPassword      string        `mapstructure:"rpc_password"`
	FromAddress      string        `mapstructure:"from_address"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// RatesConfig holds fixed conversion rates per asset, as decimal strings.
type RatesConfig struct {
	SolToZec  string `mapstructure:"sol_to_zec"`
	UsdcToZec string `mapstructure:"usdc_to_zec"`
}

// FeesConfig parameterises the quote engine and the priority-fee sampler.
type FeesConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	BaseFee          string        `mapstructure:"base_fee"`
	ShieldFee        string        `mapstructure:"shield_fee"`
	PrivacyPremium   string        `mapstructure:"privacy_premium"`
	FallbackPriority string        `mapstructure:"fallback_priority"`
}

// DemoConfig toggles the simulated settlement path.
type DemoConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// APIConfig governs the HTTP surface.
type APIConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig sizes the health metrics window.
type MetricsConfig struct {
	Window int `mapstructure:"window"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ZECRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "zecrelay")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.poll_interval", "5s")
	v.SetDefault("solana.request_timeout", "10s")

	v.SetDefault("zcash.request_timeout", "8s")
	v.SetDefault("zcash.operation_timeout", "5m")
	v.SetDefault("zcash.poll_interval", "2s")

	v.SetDefault("rates.sol_to_zec", "0.01")
	v.SetDefault("rates.usdc_to_zec", "0.02")

	v.SetDefault("fees.sample_interval", "30s")
	v.SetDefault("fees.request_timeout", "8s")
	v.SetDefault("fees.base_fee", "0.000005")
	v.SetDefault("fees.shield_fee", "0.0002")
	v.SetDefault("fees.privacy_premium", "0.0005")
	v.SetDefault("fees.fallback_priority", "0.000005")

	v.SetDefault("demo.enabled", false)
	v.SetDefault("demo.settle_delay", "8s")

	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")

	v.SetDefault("metrics.window", 100)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Solana.PollInterval <= 0 {
		return fmt.Errorf("solana.poll_interval must be greater than zero")
	}
	if c.Zcash.OperationTimeout <= 0 {
		return fmt.Errorf("zcash.operation_timeout must be greater than zero")
	}
	if c.Zcash.PollInterval <= 0 {
		return fmt.Errorf("zcash.poll_interval must be greater than zero")
	}
	if c.Fees.SampleInterval <= 0 {
		return fmt.Errorf("fees.sample_interval must be greater than zero")
	}
	if c.Demo.SettleDelay <= 0 {
		return fmt.Errorf("demo.settle_delay must be greater than zero")
	}
	if c.Metrics.Window <= 0 {
		return fmt.Errorf("metrics.window must be greater than zero")
	}
	for _, rate := range []struct{ key, value string }{
		{"rates.sol_to_zec", c.Rates.SolToZec},
		{"rates.usdc_to_zec", c.Rates.UsdcToZec},
	} {
		d, err := decimal.NewFromString(rate.value)
		if err != nil {
			return fmt.Errorf("%s is not a valid decimal: %w", rate.key, err)
		}
		if d.Sign() <= 0 {
			return fmt.Errorf("%s must be greater than zero", rate.key)
		}
	}
	if !c.Demo.Enabled {
		if c.Solana.ProgramID == "" {
			return fmt.Errorf("solana.program_id is required outside demo mode")
		}
		if c.Zcash.FromAddress == "" {
			return fmt.Errorf("zcash.from_address is required outside demo mode")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ConversionRate returns the configured rate for an asset symbol.
func (c *Config) ConversionRate(asset string) (decimal.Decimal, error) {
	switch asset {
	case "SOL":
		return decimal.NewFromString(c.Rates.SolToZec)
	case "USDC":
		return decimal.NewFromString(c.Rates.UsdcToZec)
	default:
		return decimal.Decimal{}, fmt.Errorf("no conversion rate configured for asset %q", asset)
	}
}
