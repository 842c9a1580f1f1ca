// Package config assembles the service configuration from defaults, an
// optional JSON file, environment variables and command line flags, in
// increasing order of priority.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	env "github.com/caarlos0/env/v6"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DevelopmentJWTSecret is the signing secret used when none is configured.
// It is refused in production mode.
const DevelopmentJWTSecret = "merneats-development-secret-change-me"

// Config holds every setting of the service.
type Config struct {
	RunAddr             string        `env:"SERVER_ADDRESS" json:"server_address" validate:"hostname_port"`
	PublicBaseURL       string        `env:"PUBLIC_BASE_URL" json:"public_base_url" validate:"url"`
	LogLevel            string        `env:"LOG_LEVEL" json:"log_level" validate:"loglevel"`
	DBFileName          string        `env:"FILE_STORAGE_PATH" json:"file_storage_path" validate:"filepath"`
	DatabaseDSN         string        `env:"DATABASE_DSN" json:"database_dsn"`
	DBConnectionTimeout time.Duration `env:"DB_CONNECTION_TIMEOUT" json:"-" validate:"gt=0"`
	MigrationsDir       string        `env:"MIGRATIONS_DIR" json:"migrations_dir"`

	JWTSecret         string        `env:"JWT_SECRET" json:"jwt_secret" validate:"min=16"`
	AuthCookieName    string        `env:"AUTH_COOKIE_NAME" json:"auth_cookie_name" validate:"required,alphanum"`
	SessionTTL        time.Duration `env:"SESSION_TTL" json:"-" validate:"gt=0"`
	Production        bool          `env:"PRODUCTION" json:"production"`
	BcryptCost        int           `env:"BCRYPT_COST" json:"bcrypt_cost" validate:"min=4,max=31"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS" envSeparator:"," json:"allowed_origins" validate:"dive,url"`
	SessionRevocation bool          `env:"SESSION_REVOCATION" json:"session_revocation"`
	RedisURL          string        `env:"REDIS_URL" json:"redis_url"`

	S3Bucket          string `env:"S3_BUCKET" json:"s3_bucket"`
	S3Region          string `env:"S3_REGION" json:"s3_region"`
	S3Endpoint        string `env:"S3_ENDPOINT" json:"s3_endpoint" validate:"omitempty,url"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID" json:"s3_access_key_id"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY" json:"s3_secret_access_key"`
	S3PublicBaseURL   string `env:"S3_PUBLIC_BASE_URL" json:"s3_public_base_url" validate:"omitempty,url"`

	ImagesDir          string        `env:"IMAGES_DIR" json:"images_dir"`
	ImageSweepInterval time.Duration `env:"IMAGE_SWEEP_INTERVAL" json:"-" validate:"gt=0"`
	ImageSweepBatch    int           `env:"IMAGE_SWEEP_BATCH" json:"image_sweep_batch" validate:"gt=0"`

	LoginRatePerMin int `env:"LOGIN_RATE_PER_MIN" json:"login_rate_per_min" validate:"gte=0"`
	LoginRateBurst  int `env:"LOGIN_RATE_BURST" json:"login_rate_burst" validate:"gte=0"`

	TrustedSubnet   string        `env:"TRUSTED_SUBNET" json:"trusted_subnet" validate:"omitempty,cidr"`
	TrustProxy      bool          `env:"TRUST_PROXY_HEADERS" json:"trust_proxy_headers"`
	GRPCAddress     string        `env:"GRPC_ADDRESS" json:"grpc_address" validate:"omitempty,hostname_port"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" json:"otel_exporter_otlp_endpoint"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" json:"-" validate:"gt=0"`
}

var defaultConfig = Config{
	RunAddr:             ":8080",
	PublicBaseURL:       "http://localhost:8080",
	LogLevel:            "info",
	DBConnectionTimeout: 10 * time.Second,
	MigrationsDir:       "migrations",
	JWTSecret:           DevelopmentJWTSecret,
	AuthCookieName:      "authCookie",
	SessionTTL:          7 * 24 * time.Hour,
	BcryptCost:          10,
	AllowedOrigins:      []string{"http://localhost:5173"},
	S3Region:            "us-east-1",
	ImagesDir:           "images",
	ImageSweepInterval:  time.Minute,
	ImageSweepBatch:     100,
	LoginRatePerMin:     10,
	LoginRateBurst:      5,
	ShutdownTimeout:     10 * time.Second,
}

// Option configures New.
type Option func(*options)

type options struct {
	disableFlagsParsing bool
}

// WithDisableFlagsParsing skips command line flags, mostly for tests.
func WithDisableFlagsParsing(disableFlagsParsing bool) Option {
	return func(options *options) {
		options.disableFlagsParsing = disableFlagsParsing
	}
}

// New builds the configuration. Priority: CLI > ENV > JSON > defaults.
func New(optionsProto ...Option) (*Config, error) {
	opts := &options{}
	for _, protoOption := range optionsProto {
		protoOption(opts)
	}

	err := godotenv.Load()
	if err != nil {
		log.Printf("Unable to load .env file: %v", err)
	}

	values := Config{}
	applyDefaults(&values, defaultConfig)

	cli := newFlags(defaultConfig)
	if !opts.disableFlagsParsing {
		err = cli.set.Parse(os.Args[1:])
		if err != nil {
			return nil, fmt.Errorf("in internal/config/config.go/New(): error while `cli.set.Parse()` calling: %w", err)
		}
	}

	configPath := os.Getenv("CONFIG")
	if cli.isSet("c") {
		configPath = cli.configPath
	}
	if configPath != "" {
		err = loadJSON(configPath, &values)
		if err != nil {
			return nil, err
		}
	}

	err = env.Parse(&values)
	if err != nil {
		return nil, fmt.Errorf("in internal/config/config.go/New(): error while `env.Parse()` calling: %w", err)
	}

	cli.apply(&values)

	err = values.validate()
	if err != nil {
		return nil, err
	}

	return &values, nil
}

func applyDefaults(values *Config, defaults Config) {
	*values = defaults
	values.AllowedOrigins = append([]string(nil), defaults.AllowedOrigins...)
}

type flags struct {
	set        *flag.FlagSet
	scratch    Config
	configPath string
}

func newFlags(defaults Config) *flags {
	f := &flags{
		set:     flag.NewFlagSet(os.Args[0], flag.ContinueOnError),
		scratch: defaults,
	}
	f.set.StringVar(&f.scratch.RunAddr, "a", defaults.RunAddr, "address and port to run server")
	f.set.StringVar(&f.scratch.LogLevel, "l", defaults.LogLevel, "logger level")
	f.set.StringVar(&f.scratch.DBFileName, "f", defaults.DBFileName, "JSON file name with database")
	f.set.StringVar(&f.scratch.DatabaseDSN, "d", defaults.DatabaseDSN, "A string with the database connection details")
	f.set.StringVar(&f.scratch.GRPCAddress, "g", defaults.GRPCAddress, "address and port of the gRPC session service")
	f.set.StringVar(&f.scratch.TrustedSubnet, "t", defaults.TrustedSubnet, "CIDR allowed to read /metrics")
	f.set.BoolVar(&f.scratch.Production, "p", defaults.Production, "production mode (secure cookies)")
	f.set.StringVar(&f.configPath, "c", "", "path to a JSON configuration file")

	return f
}

func (f *flags) isSet(name string) bool {
	found := false
	f.set.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})

	return found
}

func (f *flags) apply(values *Config) {
	f.set.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "a":
			values.RunAddr = f.scratch.RunAddr
		case "l":
			values.LogLevel = f.scratch.LogLevel
		case "f":
			values.DBFileName = f.scratch.DBFileName
		case "d":
			values.DatabaseDSN = f.scratch.DatabaseDSN
		case "g":
			values.GRPCAddress = f.scratch.GRPCAddress
		case "t":
			values.TrustedSubnet = f.scratch.TrustedSubnet
		case "p":
			values.Production = f.scratch.Production
		}
	})
}

type configAlias Config

type jsonConfig struct {
	*configAlias
	DBConnectionTimeout string `json:"db_connection_timeout"`
	SessionTTL          string `json:"session_ttl"`
	ImageSweepInterval  string `json:"image_sweep_interval"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
}

func loadJSON(path string, values *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("in internal/config/config.go/loadJSON(): error while `os.ReadFile()` calling: %w", err)
	}

	aux := jsonConfig{configAlias: (*configAlias)(values)}
	err = json.Unmarshal(data, &aux)
	if err != nil {
		return fmt.Errorf("in internal/config/config.go/loadJSON(): error while `json.Unmarshal()` calling: %w", err)
	}

	durations := []struct {
		raw    string
		target *time.Duration
	}{
		{aux.DBConnectionTimeout, &values.DBConnectionTimeout},
		{aux.SessionTTL, &values.SessionTTL},
		{aux.ImageSweepInterval, &values.ImageSweepInterval},
		{aux.ShutdownTimeout, &values.ShutdownTimeout},
	}
	for _, duration := range durations {
		if duration.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(duration.raw)
		if err != nil {
			return fmt.Errorf("in internal/config/config.go/loadJSON(): bad duration %q: %w", duration.raw, err)
		}
		*duration.target = parsed
	}

	return nil
}

func validateFilePath(fieldLevel validator.FieldLevel) bool {
	path := fieldLevel.Field().String()
	if path == "" {
		return true
	}
	_, err := os.Stat(path)

	return err == nil || os.IsNotExist(err)
}

func validateLogLevel(fieldLevel validator.FieldLevel) bool {
	value := fieldLevel.Field().String()

	allowedLogLevels := map[string]bool{
		"debug":  true,
		"info":   true,
		"warn":   true,
		"error":  true,
		"dpanic": true,
		"panic":  true,
		"fatal":  true,
	}

	return allowedLogLevels[value]
}

func (c *Config) validate() error {
	validate := validator.New()

	err := validate.RegisterValidation("loglevel", validateLogLevel)
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("filepath", validateFilePath)
	if err != nil {
		return err
	}

	err = validate.Struct(c)
	if err != nil {
		return err
	}

	if c.Production && c.JWTSecret == DevelopmentJWTSecret {
		return errors.New("JWT_SECRET must be set in production mode")
	}

	return nil
}

// TrustedNet parses TrustedSubnet; it returns nil when the subnet is not set.
func (c *Config) TrustedNet() (*net.IPNet, error) {
	if strings.TrimSpace(c.TrustedSubnet) == "" {
		return nil, nil
	}
	_, subnet, err := net.ParseCIDR(c.TrustedSubnet)
	if err != nil {
		return nil, fmt.Errorf("in internal/config/config.go/TrustedNet(): error while `net.ParseCIDR()` calling: %w", err)
	}

	return subnet, nil
}

// UsesS3 reports whether images go to an S3-compatible bucket.
func (c *Config) UsesS3() bool {
	return c.S3Bucket != ""
}
