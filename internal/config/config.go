package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/gaparb/pkg/secrets"
)

// ErrInvalidConfig is returned when the loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Tickets   TicketsConfig   `mapstructure:"tickets"`
	Store     StoreConfig     `mapstructure:"store"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port" validate:"min=1,max=65535"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TradingConfig holds amounts as decimal strings so no precision is lost
// between the config file and the engine.
type TradingConfig struct {
	Investment           string        `mapstructure:"investment" validate:"required,numeric"`
	OpenOpportunity      string        `mapstructure:"open_opportunity" validate:"omitempty,numeric"`
	CloseOpportunity     string        `mapstructure:"close_opportunity" validate:"omitempty,numeric"`
	MinVolume            string        `mapstructure:"min_volume" validate:"required,numeric"`
	CheckInterval        time.Duration `mapstructure:"check_interval" validate:"gt=0"`
	EmergencyClose       time.Duration `mapstructure:"emergency_close" validate:"gt=0"`
	SpinLimit            time.Duration `mapstructure:"spin_limit" validate:"gt=0"`
	WaitForWidening      bool          `mapstructure:"wait_for_widening"`
	WideningTimeout      time.Duration `mapstructure:"widening_timeout" validate:"gte=0"`
	OpenBackoffFactor    int           `mapstructure:"open_backoff_factor" validate:"min=1"`
	MinCloseInterval     time.Duration `mapstructure:"min_close_interval" validate:"gte=0"`
	MaxOpenOpportunities int           `mapstructure:"max_open_opportunities" validate:"min=0"`
	Retries              int           `mapstructure:"retries" validate:"min=0"`
	HistoryWindow        time.Duration `mapstructure:"history_window" validate:"gt=0"`
	HistoryInterval      time.Duration `mapstructure:"history_interval" validate:"gt=0"`
}

type ExchangesConfig struct {
	Filter             bool           `mapstructure:"filter"`
	Names              []string       `mapstructure:"names" validate:"dive,required"`
	DefaultTakerFee    string         `mapstructure:"default_taker_fee" validate:"required,numeric"`
	DefaultMakerFee    string         `mapstructure:"default_maker_fee" validate:"required,numeric"`
	RateLimitPerSecond float64        `mapstructure:"rate_limit_per_second" validate:"gte=0"`
	Coinbase           CoinbaseConfig `mapstructure:"coinbase"`
	Binance            BinanceConfig  `mapstructure:"binance"`
}

type CoinbaseConfig struct {
	BaseURL       string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKeyName    string `mapstructure:"api_key_name"`    // organizations/{org_id}/apiKeys/{key_id}
	PrivateKeyPEM string `mapstructure:"private_key_pem"` // EC private key in PEM format
}

type BinanceConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

type TicketsConfig struct {
	Filter bool     `mapstructure:"filter"`
	Quotes []string `mapstructure:"quotes"`
}

type StoreConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=file redis"`
	Path    string      `mapstructure:"path" validate:"required_if=Backend file"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db" validate:"min=0"`
	Key        string `mapstructure:"key"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
}

type NotifyConfig struct {
	SlackWebhook   string   `mapstructure:"slack_webhook" validate:"omitempty,url"`
	DiscordWebhook string   `mapstructure:"discord_webhook" validate:"omitempty,url"`
	TelegramToken  string   `mapstructure:"telegram_token"`
	TelegramChatID string   `mapstructure:"telegram_chat_id"`
	Events         []string `mapstructure:"events" validate:"dive,oneof=open close"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Load reads the config file (or config.yaml from the usual locations),
// applies GAPARB_* environment overrides and a local .env file, fills missing
// credentials from GCP Secret Manager when enabled, and validates the result.
func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gaparb")
	}

	v.SetEnvPrefix("GAPARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, logger, secrets.ClientOptions(config.GCP.CredentialsFile)...)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		applySecrets(ctx, &config, secretManager)
		_ = secretManager.Close()
		logger.Info("Loaded secrets from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("trading.investment", "0.0005")
	v.SetDefault("trading.open_opportunity", "")
	v.SetDefault("trading.close_opportunity", "")
	v.SetDefault("trading.min_volume", "10")
	v.SetDefault("trading.check_interval", 500*time.Millisecond)
	v.SetDefault("trading.emergency_close", 4*time.Hour)
	v.SetDefault("trading.spin_limit", 15*time.Minute)
	v.SetDefault("trading.wait_for_widening", true)
	v.SetDefault("trading.widening_timeout", time.Minute)
	v.SetDefault("trading.open_backoff_factor", 4)
	v.SetDefault("trading.min_close_interval", 100*time.Millisecond)
	v.SetDefault("trading.max_open_opportunities", 1)
	v.SetDefault("trading.retries", 3)
	v.SetDefault("trading.history_window", time.Hour)
	v.SetDefault("trading.history_interval", 5*time.Minute)

	v.SetDefault("exchanges.filter", true)
	v.SetDefault("exchanges.names", []string{"binance", "coinbase"})
	v.SetDefault("exchanges.default_taker_fee", "0.001")
	v.SetDefault("exchanges.default_maker_fee", "0.001")
	v.SetDefault("exchanges.rate_limit_per_second", 5.0)
	v.SetDefault("exchanges.coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("exchanges.coinbase.api_key_name", "")
	v.SetDefault("exchanges.coinbase.private_key_pem", "")
	v.SetDefault("exchanges.binance.base_url", "https://api.binance.com")

	v.SetDefault("tickets.filter", true)
	v.SetDefault("tickets.quotes", []string{"BTC"})

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "./data/opportunities.json")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key", "gaparb:opportunities")
	v.SetDefault("store.redis.tls_enabled", false)

	v.SetDefault("notify.slack_webhook", "")
	v.SetDefault("notify.discord_webhook", "")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", "")
	v.SetDefault("notify.events", []string{"open", "close"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.coinbase_api_key_name", secretNames.CoinbaseAPIKeyName)
	v.SetDefault("gcp.secret_names.coinbase_private_key", secretNames.CoinbasePrivateKey)
	v.SetDefault("gcp.secret_names.slack_webhook", secretNames.SlackWebhook)
	v.SetDefault("gcp.secret_names.discord_webhook", secretNames.DiscordWebhook)
	v.SetDefault("gcp.secret_names.telegram_token", secretNames.TelegramToken)
	v.SetDefault("gcp.secret_names.redis_password", secretNames.RedisPassword)
	v.SetDefault("gcp.secret_names.api_jwt_secret", secretNames.APIJWTSecret)
}

// overrideFromEnv honours the unprefixed variable names commonly used for
// these credentials in deployment manifests.
func overrideFromEnv(config *Config) {
	if apiKeyName := os.Getenv("COINBASE_API_KEY_NAME"); apiKeyName != "" {
		config.Exchanges.Coinbase.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("COINBASE_PRIVATE_KEY"); privateKey != "" {
		config.Exchanges.Coinbase.PrivateKeyPEM = privateKey
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		config.Notify.SlackWebhook = webhook
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// applySecrets fills credentials that are still empty.
func applySecrets(ctx context.Context, config *Config, getter secrets.Getter) {
	names := config.GCP.SecretNames
	fill := func(target *string, secretName string) {
		if *target == "" {
			*target = getter.GetSecretWithDefault(ctx, secretName, "")
		}
	}

	fill(&config.Exchanges.Coinbase.APIKeyName, names.CoinbaseAPIKeyName)
	fill(&config.Exchanges.Coinbase.PrivateKeyPEM, names.CoinbasePrivateKey)
	fill(&config.Notify.SlackWebhook, names.SlackWebhook)
	fill(&config.Notify.DiscordWebhook, names.DiscordWebhook)
	fill(&config.Notify.TelegramToken, names.TelegramToken)
	fill(&config.Store.Redis.Password, names.RedisPassword)
	fill(&config.Server.JWTSecret, names.APIJWTSecret)
}

// Validate checks struct constraints and the relations between amounts.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !c.Trading.InvestmentAmount().IsPositive() {
		return fmt.Errorf("%w: trading.investment must be positive", ErrInvalidConfig)
	}
	if c.Trading.CloseThreshold().GreaterThan(c.Trading.OpenThreshold()) {
		return fmt.Errorf("%w: trading.close_opportunity exceeds trading.open_opportunity", ErrInvalidConfig)
	}
	if c.Exchanges.Filter && len(c.Exchanges.Names) < 2 {
		return fmt.Errorf("%w: exchanges.names needs at least two exchanges", ErrInvalidConfig)
	}
	if c.Tickets.Filter && len(c.Tickets.Quotes) == 0 {
		return fmt.Errorf("%w: tickets.quotes is empty while tickets.filter is on", ErrInvalidConfig)
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		return fmt.Errorf("%w: notify.telegram_chat_id is required with a telegram token", ErrInvalidConfig)
	}
	return nil
}

// parseAmount reads a validated decimal field; malformed input yields zero.
func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (t TradingConfig) InvestmentAmount() decimal.Decimal {
	return parseAmount(t.Investment)
}

// OpenThreshold is the minimum gain to open, one percent of the investment
// unless set.
func (t TradingConfig) OpenThreshold() decimal.Decimal {
	if strings.TrimSpace(t.OpenOpportunity) == "" {
		return t.InvestmentAmount().Mul(decimal.RequireFromString("0.01"))
	}
	return parseAmount(t.OpenOpportunity)
}

// CloseThreshold is the gap at which a position starts closing, half a
// percent of the investment unless set.
func (t TradingConfig) CloseThreshold() decimal.Decimal {
	if strings.TrimSpace(t.CloseOpportunity) == "" {
		return t.InvestmentAmount().Mul(decimal.RequireFromString("0.005"))
	}
	return parseAmount(t.CloseOpportunity)
}

func (t TradingConfig) MinVolumeAmount() decimal.Decimal {
	return parseAmount(t.MinVolume)
}

func (e ExchangesConfig) TakerFee() decimal.Decimal {
	return parseAmount(e.DefaultTakerFee)
}

func (e ExchangesConfig) MakerFee() decimal.Decimal {
	return parseAmount(e.DefaultMakerFee)
}

// ActiveExchanges returns the configured exchanges when filtering, else all
// of supported.
func (e ExchangesConfig) ActiveExchanges(supported []string) []string {
	if e.Filter {
		return e.Names
	}
	return supported
}

// ActiveQuotes returns the quote allow-list, or nil when every quote is kept.
func (t TicketsConfig) ActiveQuotes() []string {
	if t.Filter {
		return t.Quotes
	}
	return nil
}
