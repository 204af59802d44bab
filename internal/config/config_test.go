package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("sqlanywhere-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.ObjectStore.Region != "us-east-1" {
		t.Fatalf("ObjectStore.Region = %q", cfg.ObjectStore.Region)
	}
	if cfg.Ingest.BatchRows != 4096 {
		t.Fatalf("Ingest.BatchRows = %d", cfg.Ingest.BatchRows)
	}
	if cfg.Ingest.SampleRows != 1000 {
		t.Fatalf("Ingest.SampleRows = %d", cfg.Ingest.SampleRows)
	}
	if !cfg.Ingest.InferTypes {
		t.Fatal("Ingest.InferTypes should default to true")
	}
	if cfg.Ingest.MaxRejectedRows != 1000 {
		t.Fatalf("Ingest.MaxRejectedRows = %d", cfg.Ingest.MaxRejectedRows)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Fatalf("Retry.MaxAttempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Query.MaxBuildRows != 10_000_000 {
		t.Fatalf("Query.MaxBuildRows = %d", cfg.Query.MaxBuildRows)
	}
	if cfg.GCS.Enabled || cfg.Azure.Enabled {
		t.Fatal("optional connectors should default to disabled")
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("sqlanywhere-api", mapLookup(map[string]string{"SQLANYWHERE_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
}

func TestLoadTestProfileShortensRetries(t *testing.T) {
	cfg, err := Load("sqlanywhere-api", mapLookup(map[string]string{"SQLANYWHERE_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retry.BaseDelay != time.Millisecond {
		t.Fatalf("Retry.BaseDelay = %s", cfg.Retry.BaseDelay)
	}
	if cfg.HTTP.Address != ":18080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"SQLANYWHERE_PROFILE":                  "test",
		"SQLANYWHERE_SERVICE_NAME":             "sqlanywhere-custom",
		"SQLANYWHERE_HTTP_ADDR":                ":9999",
		"SQLANYWHERE_HTTP_READ_TIMEOUT":        "2s",
		"SQLANYWHERE_HTTP_WRITE_TIMEOUT":       "3s",
		"SQLANYWHERE_LOG_LEVEL":                "error",
		"SQLANYWHERE_AUTH_REQUIRED":            "true",
		"SQLANYWHERE_AUTH_STATIC_KEYS":         "k1:analyst",
		"SQLANYWHERE_S3_ENDPOINT":              "http://localhost:9000",
		"SQLANYWHERE_S3_ACCESS_KEY":            "abc",
		"SQLANYWHERE_S3_SECRET_KEY":            "def",
		"SQLANYWHERE_S3_USE_SSL":               "false",
		"AWS_S3_REGION":                        "eu-west-1",
		"SQLANYWHERE_GCS_ENABLED":              "true",
		"SQLANYWHERE_GCS_ENDPOINT":             "http://localhost:4443/storage/v1/",
		"SQLANYWHERE_AZURE_ENABLED":            "true",
		"SQLANYWHERE_AZURE_ACCOUNT_NAME":       "devstoreaccount1",
		"SQLANYWHERE_INGEST_BATCH_ROWS":        "128",
		"SQLANYWHERE_INGEST_SAMPLE_ROWS":       "64",
		"SQLANYWHERE_INGEST_INFER_TYPES":       "false",
		"SQLANYWHERE_INGEST_MAX_REJECTED_ROWS": "-1",
		"SQLANYWHERE_RETRY_MAX_ATTEMPTS":       "7",
		"SQLANYWHERE_RETRY_BASE_DELAY":         "20ms",
		"SQLANYWHERE_RETRY_MAX_DELAY":          "1s",
		"SQLANYWHERE_QUERY_TIMEOUT":            "45s",
		"SQLANYWHERE_QUERY_MAX_BUILD_ROWS":     "500",
		"SQLANYWHERE_QUERY_SPOOL_DIR":          "/var/tmp/sqlanywhere",
		"SQLANYWHERE_CATALOG_BASE_URI":         "s3://warehouse/tables",
	})
	cfg, err := Load("sqlanywhere-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "sqlanywhere-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second || cfg.HTTP.WriteTimeout != 3*time.Second {
		t.Fatalf("HTTP timeouts = %s/%s", cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:analyst" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.ObjectStore.Endpoint != "http://localhost:9000" || cfg.ObjectStore.UseSSL {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.ObjectStore.Region != "eu-west-1" {
		t.Fatalf("ObjectStore.Region = %q", cfg.ObjectStore.Region)
	}
	if !cfg.GCS.Enabled || cfg.GCS.Endpoint == "" {
		t.Fatalf("GCS = %+v", cfg.GCS)
	}
	if !cfg.Azure.Enabled || cfg.Azure.AccountName != "devstoreaccount1" {
		t.Fatalf("Azure = %+v", cfg.Azure)
	}
	if cfg.Ingest.BatchRows != 128 || cfg.Ingest.SampleRows != 64 {
		t.Fatalf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.Ingest.InferTypes {
		t.Fatal("Ingest.InferTypes = true, want false")
	}
	if cfg.Ingest.MaxRejectedRows != -1 {
		t.Fatalf("Ingest.MaxRejectedRows = %d", cfg.Ingest.MaxRejectedRows)
	}
	if cfg.Retry.MaxAttempts != 7 || cfg.Retry.BaseDelay != 20*time.Millisecond || cfg.Retry.MaxDelay != time.Second {
		t.Fatalf("Retry = %+v", cfg.Retry)
	}
	if cfg.Query.Timeout != 45*time.Second || cfg.Query.MaxBuildRows != 500 {
		t.Fatalf("Query = %+v", cfg.Query)
	}
	if cfg.Query.SpoolDir != "/var/tmp/sqlanywhere" {
		t.Fatalf("Query.SpoolDir = %q", cfg.Query.SpoolDir)
	}
	if cfg.Catalog.BaseURI != "s3://warehouse/tables" {
		t.Fatalf("Catalog.BaseURI = %q", cfg.Catalog.BaseURI)
	}
}

func TestLoadRegionPrefersServiceVariable(t *testing.T) {
	cfg, err := Load("sqlanywhere-api", mapLookup(map[string]string{
		"AWS_S3_REGION":         "eu-west-1",
		"SQLANYWHERE_S3_REGION": "ap-south-1",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ObjectStore.Region != "ap-south-1" {
		t.Fatalf("ObjectStore.Region = %q", cfg.ObjectStore.Region)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"SQLANYWHERE_PROFILE": "oops"},
		{"SQLANYWHERE_HTTP_READ_TIMEOUT": "NaN"},
		{"SQLANYWHERE_INGEST_BATCH_ROWS": "oops"},
		{"SQLANYWHERE_INGEST_BATCH_ROWS": "0"},
		{"SQLANYWHERE_INGEST_SAMPLE_ROWS": "-3"},
		{"SQLANYWHERE_INGEST_MAX_REJECTED_ROWS": "-2"},
		{"SQLANYWHERE_RETRY_MAX_ATTEMPTS": "0"},
		{"SQLANYWHERE_RETRY_BASE_DELAY": "1s", "SQLANYWHERE_RETRY_MAX_DELAY": "10ms"},
		{"SQLANYWHERE_QUERY_MAX_BUILD_ROWS": "-1"},
		{"SQLANYWHERE_AZURE_ENABLED": "true"},
		{"SQLANYWHERE_AUTH_REQUIRED": "not-bool"},
		{"SQLANYWHERE_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("sqlanywhere-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
