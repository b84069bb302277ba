// Package config loads the termd configuration from YAML files and
// FIXEDTERM_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/crank"
	"github.com/Aidin1998/fixedterm/internal/trading/eventjournal"
	"github.com/Aidin1998/fixedterm/internal/trading/fp32"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/messaging"
	"github.com/Aidin1998/fixedterm/internal/trading/realtime"
	"github.com/Aidin1998/fixedterm/internal/trading/repository"
	"github.com/Aidin1998/fixedterm/internal/trading/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "FIXEDTERM"

var ErrInvalid = errors.New("invalid configuration")

// DefaultPaths are searched when no config file is given.
var DefaultPaths = []string{
	"./fixedterm.yaml",
	"./configs/fixedterm.yaml",
	"/etc/fixedterm/fixedterm.yaml",
}

// Config is the whole termd configuration.
type Config struct {
	Env      string              `mapstructure:"env" validate:"oneof=development staging production"`
	Log      LogConfig           `mapstructure:"log"`
	Market   MarketConfig        `mapstructure:"market"`
	Journal  eventjournal.Config `mapstructure:"journal"`
	Store    store.Config        `mapstructure:"store"`
	Kafka    messaging.Config    `mapstructure:"kafka"`
	Redis    RedisConfig         `mapstructure:"redis"`
	Crank    crank.Config        `mapstructure:"crank"`
	Database repository.Config   `mapstructure:"database"`
	Feed     realtime.Config     `mapstructure:"feed"`
	Metrics  MetricsConfig       `mapstructure:"metrics"`

	// Sources lists the files that were merged, in order.
	Sources []string `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Path    string `mapstructure:"path"`
}

// RedisConfig is shared by the crank lease and the instruction deduplicator.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"gte=0"`
	PoolSize    int           `mapstructure:"pool_size" validate:"gte=0"`
	DedupPrefix string        `mapstructure:"dedup_prefix"`
	DedupTTL    time.Duration `mapstructure:"dedup_ttl"`
}

// Client builds a client for the configured server.
func (r RedisConfig) Client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		PoolSize: r.PoolSize,
	})
}

// MarketConfig is the human-facing form of market.Config: prices are
// decimal strings and tenors are durations.
type MarketConfig struct {
	ID               string        `mapstructure:"id" validate:"required,uuid"`
	Authority        string        `mapstructure:"authority" validate:"required,uuid"`
	FeeDestination   string        `mapstructure:"fee_destination" validate:"required,uuid"`
	BorrowTenor      time.Duration `mapstructure:"borrow_tenor" validate:"gt=0"`
	LendTenor        time.Duration `mapstructure:"lend_tenor" validate:"gt=0"`
	OriginationFee   string        `mapstructure:"origination_fee" validate:"omitempty,numeric"`
	TickSize         string        `mapstructure:"tick_size" validate:"required,numeric"`
	MinBaseOrderSize uint64        `mapstructure:"min_base_order_size" validate:"gt=0"`
	OrderCapacity    int           `mapstructure:"order_capacity" validate:"gt=0"`
	EventCapacity    int           `mapstructure:"event_capacity" validate:"gt=0"`
	MaxAdapters      int           `mapstructure:"max_adapters" validate:"gte=0"`
}

// Market converts m to the engine configuration.
func (m MarketConfig) Market() (market.Config, error) {
	var cfg market.Config
	var err error
	if cfg.ID, err = uuid.Parse(m.ID); err != nil {
		return cfg, fmt.Errorf("%w: market.id: %v", ErrInvalid, err)
	}
	if cfg.Authority, err = uuid.Parse(m.Authority); err != nil {
		return cfg, fmt.Errorf("%w: market.authority: %v", ErrInvalid, err)
	}
	if cfg.FeeDestination, err = uuid.Parse(m.FeeDestination); err != nil {
		return cfg, fmt.Errorf("%w: market.fee_destination: %v", ErrInvalid, err)
	}
	if cfg.BorrowTenor, err = seconds("market.borrow_tenor", m.BorrowTenor); err != nil {
		return cfg, err
	}
	if cfg.LendTenor, err = seconds("market.lend_tenor", m.LendTenor); err != nil {
		return cfg, err
	}
	if cfg.TickSize, err = price("market.tick_size", m.TickSize); err != nil {
		return cfg, err
	}
	if m.OriginationFee != "" {
		if cfg.OriginationFee, err = price("market.origination_fee", m.OriginationFee); err != nil {
			return cfg, err
		}
	}
	cfg.MinBaseOrderSize = m.MinBaseOrderSize
	cfg.OrderCapacity = m.OrderCapacity
	cfg.EventCapacity = m.EventCapacity
	cfg.MaxAdapters = m.MaxAdapters
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func seconds(key string, d time.Duration) (int64, error) {
	if d%time.Second != 0 {
		return 0, fmt.Errorf("%w: %s must be whole seconds, got %s", ErrInvalid, key, d)
	}
	return int64(d / time.Second), nil
}

func price(key, s string) (fp32.Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	p, err := fp32.FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return p, nil
}

// Default returns the configuration used for every key no file or
// environment variable sets.
func Default() Config {
	crankCfg := crank.DefaultConfig()
	crankCfg.Enabled = true
	return Config{
		Env: "development",
		Log: LogConfig{Level: "info", Format: "json"},
		Market: MarketConfig{
			BorrowTenor:      7 * 24 * time.Hour,
			LendTenor:        7 * 24 * time.Hour,
			OriginationFee:   "0",
			TickSize:         "0.0001",
			MinBaseOrderSize: 10,
			OrderCapacity:    4096,
			EventCapacity:    8192,
			MaxAdapters:      8,
		},
		Journal:  eventjournal.DefaultConfig(),
		Store:    store.DefaultConfig(),
		Kafka:    messaging.DefaultConfig(),
		Redis:    RedisConfig{Addr: "localhost:6379", PoolSize: 10, DedupPrefix: "fixedterm:ins:", DedupTTL: 24 * time.Hour},
		Crank:    crankCfg,
		Database: repository.DefaultConfig(),
		Feed:     realtime.DefaultConfig(),
		Metrics:  MetricsConfig{Enabled: true, Addr: ":9102", Path: "/metrics"},
	}
}

// Load merges the existing files among paths over the defaults, then
// applies FIXEDTERM_ environment overrides (market.tick_size is read from
// FIXEDTERM_MARKET_TICK_SIZE) and validates the result.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, "", reflect.ValueOf(Default()))

	var sources []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Sources = sources
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every leaf of def under its mapstructure key, so
// AutomaticEnv can override keys that no file mentions.
func setDefaults(v *viper.Viper, prefix string, def reflect.Value) {
	t := def.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := def.Field(i)
		if fv.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

var validate = validator.New()

// Validate checks field constraints and the cross-section rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Market.Market(); err != nil {
		return err
	}
	if c.Kafka.Enabled && c.Kafka.InstructionTopic == "" {
		return fmt.Errorf("%w: kafka.instruction_topic is required when kafka is enabled", ErrInvalid)
	}
	if c.Crank.Enabled && c.Crank.LeaseKey == "" {
		return fmt.Errorf("%w: crank.lease_key is required when the crank is enabled", ErrInvalid)
	}
	return nil
}
