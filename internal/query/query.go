// Package query defines the engine facade: a SQL text goes in, an Arrow IPC
// stream comes out.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

type Request struct {
	SQL string
	// RowLimit caps the result rows on top of any LIMIT in the query; 0 means
	// no cap.
	RowLimit int64
}

type Stats struct {
	Rows         int64
	Batches      int64
	Sources      int
	BytesRead    int64
	RejectedRows int64
	CoercedNulls int64
	Duration     time.Duration
}

type Result struct {
	QueryID string
	// Data is a complete Arrow IPC stream.
	Data   []byte
	Schema *arrow.Schema
	Stats  Stats
}

type Stage string

const (
	StageParse     Stage = "parse"
	StagePlan      Stage = "plan"
	StageBind      Stage = "bind"
	StageExecute   Stage = "execute"
	StageSerialize Stage = "serialize"
)

// Error wraps a failure with the query it belongs to and the stage that
// raised it. The component error stays reachable through errors.Is/As.
type Error struct {
	QueryID string
	Stage   Stage
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query %s failed at %s: %v", e.QueryID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
	// Explain returns the logical plan of sql without reading any source.
	Explain(ctx context.Context, sql string) (string, error)
}

// ResultStream yields the encoded result chunk by chunk. Next returns io.EOF
// after the end-of-stream marker; any other error means the stream is
// incomplete. Close must always be called.
type ResultStream interface {
	QueryID() string
	Schema() *arrow.Schema
	Next() ([]byte, error)
	Stats() Stats
	Close() error
}

type Streamer interface {
	Stream(ctx context.Context, request Request) (ResultStream, error)
}
