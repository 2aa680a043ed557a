// pkg/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "CHAINAPI"

// Config holds all configuration for the application
type Config struct {
	Chain     ChainConfig       `mapstructure:"chain"`
	API       APIConfig         `mapstructure:"api"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Kafka     KafkaConfig       `mapstructure:"kafka"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Tracker   TrackerConfig     `mapstructure:"tracker"`
	Processor ProcessorConfig   `mapstructure:"processor"`
	Log       LogConfig         `mapstructure:"log"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Signers   map[string]string `mapstructure:"signers"`
}

// ChainConfig holds ledger node related configuration
type ChainConfig struct {
	// Websocket is the endpoint of the node, e.g. ws://127.0.0.1:9944
	Websocket  string `mapstructure:"websocket"`
	SS58Prefix uint16 `mapstructure:"ss58_prefix"`
	// Reconnect drops a lost connection so the next use dials again.
	Reconnect bool `mapstructure:"reconnect"`
	// SubmitTimeout bounds the submit RPC of a signed extrinsic.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// APIConfig holds API-related configuration
type APIConfig struct {
	Port               string        `mapstructure:"port"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	RateLimit          int           `mapstructure:"rate_limit"`
	RateWindow         time.Duration `mapstructure:"rate_window"`
	MaxWait            time.Duration `mapstructure:"max_wait"`
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka-related configuration
type KafkaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Brokers        string `mapstructure:"brokers"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
	RequestTopic   string `mapstructure:"request_topic"`
	FinalizedTopic string `mapstructure:"finalized_topic"`
	FailedTopic    string `mapstructure:"failed_topic"`
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	// JWTSecret enables JWT verification on the extrinsic routes when set.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TrackerConfig holds retention settings for tracked extrinsics
type TrackerConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ProcessorConfig holds settings for the Kafka submission processor
type ProcessorConfig struct {
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigFile is an optional yaml/toml/json file.
	ConfigFile string
	// EnvFile is an optional dotenv file; missing files are ignored.
	EnvFile string
	// Flags, when set, override every other source for the flags that were changed.
	Flags *pflag.FlagSet
}

// DefaultLoadOptions returns the options used by Load
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{EnvFile: ".env"}
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"chain-websocket": "chain.websocket",
	"api-port":        "api.port",
	"log-level":       "log.level",
	"redis-address":   "redis.address",
	"kafka-brokers":   "kafka.brokers",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to configuration file")
	fs.String("env-file", ".env", "Path to dotenv file")
	fs.String("chain-websocket", "", "Websocket endpoint of the ledger node")
	fs.String("api-port", "", "Port of the HTTP API")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("redis-address", "", "Redis address for the nonce store")
	fs.String("kafka-brokers", "", "Kafka bootstrap servers")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.websocket", "ws://127.0.0.1:9944")
	v.SetDefault("chain.ss58_prefix", 42)
	v.SetDefault("chain.reconnect", true)
	v.SetDefault("chain.submit_timeout", 30*time.Second)
	v.SetDefault("api.port", "8080")
	v.SetDefault("api.cors_allowed_origins", []string{"*"})
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.rate_window", time.Minute)
	v.SetDefault("api.max_wait", 2*time.Minute)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.consumer_group", "chainapi_submitter")
	v.SetDefault("kafka.request_topic", "extrinsic_requests")
	v.SetDefault("kafka.finalized_topic", "extrinsic_finalized")
	v.SetDefault("kafka.failed_topic", "extrinsic_failed")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("tracker.retention", time.Hour)
	v.SetDefault("tracker.sweep_interval", time.Minute)
	v.SetDefault("processor.wait_timeout", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")
	v.SetDefault("metrics.namespace", "chainapi")
}

// Load loads configuration from defaults, .env and environment variables
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads configuration in increasing precedence: defaults,
// config file, dotenv file, environment, changed flags.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for flagName, key := range flagKeys {
			f := opts.Flags.Lookup(flagName)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// Lists from the environment arrive as one comma separated string
	if len(cfg.API.CORSAllowedOrigins) == 1 && strings.Contains(cfg.API.CORSAllowedOrigins[0], ",") {
		cfg.API.CORSAllowedOrigins = strings.Split(cfg.API.CORSAllowedOrigins[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Chain.Websocket == "" {
		return fmt.Errorf("chain.websocket must be set")
	}
	u, err := url.Parse(c.Chain.Websocket)
	if err != nil {
		return fmt.Errorf("chain.websocket is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("chain.websocket must use ws or wss, got %q", u.Scheme)
	}
	if c.Tracker.Retention < 0 {
		return fmt.Errorf("tracker.retention must not be negative")
	}
	if c.Tracker.SweepInterval <= 0 {
		return fmt.Errorf("tracker.sweep_interval must be positive")
	}
	if c.Kafka.Enabled && c.Kafka.Brokers == "" {
		return fmt.Errorf("kafka.brokers must be set when kafka is enabled")
	}
	return nil
}
