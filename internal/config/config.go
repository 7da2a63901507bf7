package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names an optional YAML file layered between the defaults
// and the environment.
const ConfigPathEnvVar = "CONFIG_PATH"

// ServerConfig captures all tunable parameters for the dispatch API process.
// Every key can be set from the environment by its upper-cased name, e.g.
// http_addr from HTTP_ADDR. Defaults let the binary run locally with only
// JWT_SECRET set.
type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	ReadTimeout     time.Duration `koanf:"http_read_timeout"`
	WriteTimeout    time.Duration `koanf:"http_write_timeout"`
	IdleTimeout     time.Duration `koanf:"http_idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"http_shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	// LocationRateLimit is position reports per minute per client IP.
	LocationRateLimit int `koanf:"location_rate_limit"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisGeoKey   string `koanf:"redis_geo_key"`

	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`

	FeedWebhookURL string `koanf:"feed_webhook_url"`
	FeedBuffer     int    `koanf:"feed_buffer"`

	PGDSN         string `koanf:"pg_dsn"`
	RunMigrations bool   `koanf:"migrate"`
	MigrationsDir string `koanf:"migrations_dir"`

	SpeedKmh             float64 `koanf:"matcher_speed_kmh"`
	SearchRadiusKm       float64 `koanf:"matcher_radius_km"`
	LocalityRadiusKm     float64 `koanf:"matcher_locality_radius_km"`
	DepartureThresholdKm float64 `koanf:"departure_threshold_km"`

	GoogleMapsAPIKey string        `koanf:"google_maps_api_key"`
	GeocodeTimeout   time.Duration `koanf:"geocode_timeout"`
	GeocodeCacheTTL  time.Duration `koanf:"geocode_cache_ttl"`

	JWTSecret  string        `koanf:"jwt_secret"`
	TokenTTL   time.Duration `koanf:"jwt_ttl"`
	AdminEmail string        `koanf:"admin_email"`
	BcryptCost int           `koanf:"bcrypt_cost"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		CORSOrigins:          []string{"*"},
		LocationRateLimit:    120,
		RedisGeoKey:          "cabs_geo",
		KafkaTopic:           "cab-locations",
		FeedBuffer:           256,
		MigrationsDir:        "migrations",
		SpeedKmh:             200,
		SearchRadiusKm:       5,
		LocalityRadiusKm:     50,
		DepartureThresholdKm: 0.05,
		GeocodeTimeout:       3 * time.Second,
		GeocodeCacheTTL:      10 * time.Minute,
		TokenTTL:             24 * time.Hour,
		AdminEmail:           "admin@gmail.com",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// envAliases keeps older variable names working.
var envAliases = map[string]string{
	"kafka_broker": "kafka_brokers",
}

// LoadServerConfig layers struct defaults, the optional CONFIG_PATH YAML file
// and the environment, then validates the result. All problems are reported
// together.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := load(defaultServerConfig(), &cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)
	return cfg, cfg.Validate()
}

func load(defaults, out any) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	known := k.All()
	if err := k.Load(env.Provider("", ".", envTransform(known)), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return nil
}

// envTransform maps HTTP_ADDR to http_addr and drops variables that are not
// configuration keys.
func envTransform(known map[string]interface{}) func(string) string {
	return func(key string) string {
		key = strings.ToLower(key)
		if alias, ok := envAliases[key]; ok {
			key = alias
		}
		if _, ok := known[key]; !ok {
			return ""
		}
		return key
	}
}

func (c ServerConfig) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.SpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_SPEED_KMH must be > 0"))
	}
	if c.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_KM must be > 0"))
	}
	if c.LocalityRadiusKm < c.SearchRadiusKm {
		errs = append(errs, fmt.Errorf("MATCHER_LOCALITY_RADIUS_KM must be >= MATCHER_RADIUS_KM"))
	}
	if c.DepartureThresholdKm <= 0 {
		errs = append(errs, fmt.Errorf("DEPARTURE_THRESHOLD_KM must be > 0"))
	}
	if c.FeedBuffer <= 0 {
		errs = append(errs, fmt.Errorf("FEED_BUFFER must be > 0"))
	}
	if c.LocationRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_RATE_LIMIT must be > 0"))
	}
	if c.RunMigrations && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true requires PG_DSN"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ConsumerConfig configures the position read-model consumer.
type ConsumerConfig struct {
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`
	KafkaGroup   string   `koanf:"kafka_group"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	// PositionsKey prefixes the geo set and per-cab hashes the consumer writes.
	PositionsKey string `koanf:"redis_positions_key"`

	MetricsAddr   string        `koanf:"metrics_addr"`
	RetryAttempts int           `koanf:"redis_retry_attempts"`
	RetryDelay    time.Duration `koanf:"redis_retry_delay"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "cab-locations",
		KafkaGroup:    "cab-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		PositionsKey:  "cab_positions",
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := load(defaultConsumerConfig(), &cfg); err != nil {
		return ConsumerConfig{}, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

func (c ConsumerConfig) Validate() error {
	var errs []error
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.KafkaTopic == "" || c.KafkaGroup == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC and KAFKA_GROUP must be set"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if c.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
