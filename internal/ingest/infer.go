package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
)

// timestampLayouts are tried in order; values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type candidates struct {
	int64, float64, boolean, timestamp bool
	seen                               bool
}

// InferSchema derives a schema from the header and sampled records. Each
// column takes the strictest type every non-empty sample value parses as,
// trying Int64, Float64, Boolean, Timestamp, then Utf8. Columns with no
// non-empty sample are Utf8. All fields are nullable.
func InferSchema(header []string, sample [][]string, opts Options) (*arrow.Schema, error) {
	names := columnar.UniqueNames(header)
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: columnar.Utf8, Nullable: true}
		if !opts.InferTypes {
			continue
		}
		c := candidates{int64: true, float64: true, boolean: true, timestamp: true}
		for _, record := range sample {
			if i >= len(record) || record[i] == "" {
				continue
			}
			c.observe(record[i])
		}
		fields[i].Type = c.resolve()
	}
	if opts.Hint != nil {
		if err := applyHint(fields, opts.Hint); err != nil {
			return nil, err
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

func (c *candidates) observe(raw string) {
	c.seen = true
	value := strings.TrimSpace(raw)
	if c.int64 {
		_, ok := parseInt(value)
		c.int64 = ok
	}
	if c.float64 {
		_, ok := parseFloat(value)
		c.float64 = ok
	}
	if c.boolean {
		_, ok := parseBool(value)
		c.boolean = ok
	}
	if c.timestamp {
		_, ok := ParseTimestamp(value)
		c.timestamp = ok
	}
}

func (c candidates) resolve() arrow.DataType {
	switch {
	case !c.seen:
		return columnar.Utf8
	case c.int64:
		return columnar.Int64
	case c.float64:
		return columnar.Float64
	case c.boolean:
		return columnar.Boolean
	case c.timestamp:
		return columnar.Timestamp
	default:
		return columnar.Utf8
	}
}

func applyHint(fields []arrow.Field, hint *arrow.Schema) error {
	byName := make(map[string]int, len(fields))
	for i, f := range fields {
		byName[f.Name] = i
	}
	for _, hinted := range hint.Fields() {
		idx, ok := byName[hinted.Name]
		if !ok {
			return &Error{Kind: KindTypeInferenceFailure, Column: hinted.Name, Err: fmt.Errorf("declared column is not in the header")}
		}
		if err := columnar.CheckType(hinted.Type); err != nil {
			return &Error{Kind: KindTypeInferenceFailure, Column: hinted.Name, Err: err}
		}
		fields[idx].Type = hinted.Type
		fields[idx].Nullable = hinted.Nullable
	}
	return nil
}

func parseInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

// parseFloat accepts decimal and exponent notation only; "nan", "inf" and hex
// floats stay strings.
func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-', r == '+', r == 'e', r == 'E':
		default:
			return 0, false
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func parseBool(s string) (bool, bool) {
	switch {
	case strings.EqualFold(s, "true"):
		return true, true
	case strings.EqualFold(s, "false"):
		return false, true
	default:
		return false, false
	}
}

// ParseTimestamp reads s with the layouts accepted for TIMESTAMP columns and
// returns microseconds since the Unix epoch in UTC.
func ParseTimestamp(s string) (arrow.Timestamp, bool) {
	if len(s) < len("2006-01-02") || s[4] != '-' {
		return 0, false
	}
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return arrow.Timestamp(t.UTC().UnixMicro()), true
		}
	}
	return 0, false
}
