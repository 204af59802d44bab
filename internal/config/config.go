package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	ObjectStore   ObjectStoreConfig
	GCS           GCSConfig
	Azure         AzureConfig
	Ingest        IngestConfig
	Retry         RetryConfig
	Query         QueryConfig
	Catalog       CatalogConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ObjectStoreConfig configures the s3:// connector. The bucket comes from each URI.
type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UseSSL          bool
}

type GCSConfig struct {
	Enabled         bool
	CredentialsFile string
	Endpoint        string
}

type AzureConfig struct {
	Enabled     bool
	AccountName string
	AccountKey  string
	ServiceURL  string
}

type IngestConfig struct {
	BatchRows       int
	SampleRows      int
	InferTypes      bool
	MaxRejectedRows int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type QueryConfig struct {
	Timeout      time.Duration
	MaxBuildRows int
	MaxSQLBytes  int
	SpoolDir     string
}

// CatalogConfig lets bare table names resolve to <BaseURI>/<name>.csv.
type CatalogConfig struct {
	BaseURI string
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLANYWHERE_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLANYWHERE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}
	// The original deployment read the region from AWS_S3_REGION; keep honouring it.
	if err := applyString(lookup, "AWS_S3_REGION", &cfg.ObjectStore.Region); err != nil {
		return Config{}, err
	}

	steps := []func() error{
		func() error { return applyString(lookup, "SQLANYWHERE_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SQLANYWHERE_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SQLANYWHERE_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SQLANYWHERE_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SQLANYWHERE_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "SQLANYWHERE_S3_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "SQLANYWHERE_S3_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "SQLANYWHERE_S3_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error { return applyString(lookup, "SQLANYWHERE_S3_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey) },
		func() error { return applyString(lookup, "SQLANYWHERE_S3_SESSION_TOKEN", &cfg.ObjectStore.SessionToken) },
		func() error { return applyBool(lookup, "SQLANYWHERE_S3_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyBool(lookup, "SQLANYWHERE_GCS_ENABLED", &cfg.GCS.Enabled) },
		func() error { return applyString(lookup, "SQLANYWHERE_GCS_CREDENTIALS_FILE", &cfg.GCS.CredentialsFile) },
		func() error { return applyString(lookup, "SQLANYWHERE_GCS_ENDPOINT", &cfg.GCS.Endpoint) },
		func() error { return applyBool(lookup, "SQLANYWHERE_AZURE_ENABLED", &cfg.Azure.Enabled) },
		func() error { return applyString(lookup, "SQLANYWHERE_AZURE_ACCOUNT_NAME", &cfg.Azure.AccountName) },
		func() error { return applyString(lookup, "SQLANYWHERE_AZURE_ACCOUNT_KEY", &cfg.Azure.AccountKey) },
		func() error { return applyString(lookup, "SQLANYWHERE_AZURE_SERVICE_URL", &cfg.Azure.ServiceURL) },
		func() error { return applyInt(lookup, "SQLANYWHERE_INGEST_BATCH_ROWS", &cfg.Ingest.BatchRows) },
		func() error { return applyInt(lookup, "SQLANYWHERE_INGEST_SAMPLE_ROWS", &cfg.Ingest.SampleRows) },
		func() error { return applyBool(lookup, "SQLANYWHERE_INGEST_INFER_TYPES", &cfg.Ingest.InferTypes) },
		func() error { return applyInt(lookup, "SQLANYWHERE_INGEST_MAX_REJECTED_ROWS", &cfg.Ingest.MaxRejectedRows) },
		func() error { return applyInt(lookup, "SQLANYWHERE_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts) },
		func() error { return applyDuration(lookup, "SQLANYWHERE_RETRY_BASE_DELAY", &cfg.Retry.BaseDelay) },
		func() error { return applyDuration(lookup, "SQLANYWHERE_RETRY_MAX_DELAY", &cfg.Retry.MaxDelay) },
		func() error { return applyDuration(lookup, "SQLANYWHERE_QUERY_TIMEOUT", &cfg.Query.Timeout) },
		func() error { return applyInt(lookup, "SQLANYWHERE_QUERY_MAX_BUILD_ROWS", &cfg.Query.MaxBuildRows) },
		func() error { return applyInt(lookup, "SQLANYWHERE_QUERY_MAX_SQL_BYTES", &cfg.Query.MaxSQLBytes) },
		func() error { return applyString(lookup, "SQLANYWHERE_QUERY_SPOOL_DIR", &cfg.Query.SpoolDir) },
		func() error { return applyString(lookup, "SQLANYWHERE_CATALOG_BASE_URI", &cfg.Catalog.BaseURI) },
		func() error { return applyBool(lookup, "SQLANYWHERE_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SQLANYWHERE_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "SQLANYWHERE_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "SQLANYWHERE_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if c.Ingest.BatchRows <= 0 {
		return fmt.Errorf("ingest batch rows must be > 0")
	}
	if c.Ingest.SampleRows <= 0 {
		return fmt.Errorf("ingest sample rows must be > 0")
	}
	if c.Ingest.MaxRejectedRows < -1 {
		return fmt.Errorf("ingest max rejected rows must be >= -1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max delay must be >= base delay")
	}
	if c.Query.MaxBuildRows < 0 {
		return fmt.Errorf("query max build rows must be >= 0")
	}
	if c.Azure.Enabled && c.Azure.AccountName == "" {
		return fmt.Errorf("azure account name is required when azure is enabled")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlanywhere-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "s3.amazonaws.com",
			Region:   "us-east-1",
			UseSSL:   true,
		},
		GCS:   GCSConfig{Enabled: false},
		Azure: AzureConfig{Enabled: false},
		Ingest: IngestConfig{
			BatchRows:       4096,
			SampleRows:      1000,
			InferTypes:      true,
			MaxRejectedRows: 1000,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Query: QueryConfig{
			Timeout:      5 * time.Minute,
			MaxBuildRows: 10_000_000,
			MaxSQLBytes:  1 << 20,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Retry.BaseDelay = time.Millisecond
		cfg.Retry.MaxDelay = 10 * time.Millisecond
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
