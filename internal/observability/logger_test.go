package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sqlanywhere/sqlanywhere/internal/config"
)

func TestNewLoggerJSONCarriesServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{
		Profile:       config.ProfileTest,
		Service:       config.ServiceConfig{Name: "sqlanywhere-api"},
		Observability: config.ObservabilityConfig{LogLevel: slog.LevelInfo, LogJSON: true},
	}
	NewLogger(cfg, &buf).Info("hello", slog.String("query_id", "q1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal() error = %v (%s)", err, buf.String())
	}
	if entry["service"] != "sqlanywhere-api" || entry["profile"] != "test" || entry["query_id"] != "q1" {
		t.Fatalf("entry = %#v", entry)
	}
}

func TestNewLoggerTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{Observability: config.ObservabilityConfig{LogLevel: slog.LevelWarn}}
	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("log output = %q", buf.String())
	}
}

func TestQueryIDContextHelpers(t *testing.T) {
	ctx := ContextWithQueryID(context.Background(), "q-42")
	if got := QueryIDFromContext(ctx); got != "q-42" {
		t.Fatalf("QueryIDFromContext() = %q", got)
	}
	if got := QueryIDFromContext(context.Background()); got != "" {
		t.Fatalf("QueryIDFromContext(empty) = %q", got)
	}
}

func TestObserveQueryCountsByStatus(t *testing.T) {
	before := testutil.ToFloat64(queriesTotal.WithLabelValues("bind"))
	ObserveQuery("bind", 0, time.Millisecond)
	if got := testutil.ToFloat64(queriesTotal.WithLabelValues("bind")); got != before+1 {
		t.Fatalf("queries_total{bind} = %v, want %v", got, before+1)
	}

	rowsBefore := testutil.ToFloat64(resultRowsTotal)
	ObserveQuery("", 5, time.Millisecond)
	if got := testutil.ToFloat64(resultRowsTotal); got != rowsBefore+5 {
		t.Fatalf("result_rows_total = %v", got)
	}
}

func TestStorageAndIngestCounters(t *testing.T) {
	before := testutil.ToFloat64(storageRetriesTotal.WithLabelValues("s3"))
	IncrementStorageRetry("s3")
	if got := testutil.ToFloat64(storageRetriesTotal.WithLabelValues("s3")); got != before+1 {
		t.Fatalf("storage_retries_total{s3} = %v", got)
	}

	bytesBefore := testutil.ToFloat64(storageBytesReadTotal.WithLabelValues("file"))
	AddStorageBytesRead("file", 0)
	AddStorageBytesRead("file", 128)
	if got := testutil.ToFloat64(storageBytesReadTotal.WithLabelValues("file")); got != bytesBefore+128 {
		t.Fatalf("storage_bytes_read_total{file} = %v", got)
	}

	rejectedBefore := testutil.ToFloat64(ingestRejectedRowsTotal)
	ObserveIngestQuality(3, 0)
	if got := testutil.ToFloat64(ingestRejectedRowsTotal); got != rejectedBefore+3 {
		t.Fatalf("ingest_rejected_rows_total = %v", got)
	}
}
