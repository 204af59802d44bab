package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/sqlanywhere/sqlanywhere/internal/arrowipc"
	"github.com/sqlanywhere/sqlanywhere/internal/catalog"
	"github.com/sqlanywhere/sqlanywhere/internal/execution"
	"github.com/sqlanywhere/sqlanywhere/internal/ingest"
	"github.com/sqlanywhere/sqlanywhere/internal/observability"
	"github.com/sqlanywhere/sqlanywhere/internal/plan"
	"github.com/sqlanywhere/sqlanywhere/internal/query"
	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
	"github.com/sqlanywhere/sqlanywhere/internal/storage"
)

const (
	queryIDHeader    = "X-Query-ID"
	queryErrorHeader = "X-Query-Error"
	queryRowsHeader  = "X-Query-Rows"
)

type queryRequest struct {
	SQL      string `json:"sql"`
	RowLimit int64  `json:"row_limit"`
}

type explainResponse struct {
	Plan string `json:"plan"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.QueryEngine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}
	request, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must not be negative", false, nil)
		return
	}

	stream, err := deps.QueryEngine.Stream(r.Context(), query.Request{SQL: request.SQL, RowLimit: request.RowLimit})
	if err != nil {
		writeQueryError(r.Context(), w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	// Headers are committed with the first chunk, so a later failure can only
	// be reported in a trailer.
	header := w.Header()
	header.Set("Content-Type", arrowipc.ContentType)
	header.Set(queryIDHeader, stream.QueryID())
	header.Set("Trailer", queryErrorHeader+", "+queryRowsHeader)
	w.WriteHeader(http.StatusOK)

	controller := http.NewResponseController(w)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			status := classify(err)
			header.Set(queryErrorHeader, status.code+": "+err.Error())
			if deps.Logger != nil {
				deps.Logger.WarnContext(r.Context(), "query stream aborted",
					slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
					slog.String("query_id", stream.QueryID()),
					slog.String("error_code", status.code),
					slog.Any("error", err),
				)
			}
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		_ = controller.Flush()
	}
	header.Set(queryRowsHeader, strconv.FormatInt(stream.Stats().Rows, 10))
}

func handleExplain(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.QueryEngine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}
	request, ok := decodeQueryRequest(w, r)
	if !ok {
		return
	}
	text, err := deps.QueryEngine.Explain(r.Context(), request.SQL)
	if err != nil {
		writeQueryError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, explainResponse{Plan: text})
}

func decodeQueryRequest(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return queryRequest{}, false
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return queryRequest{}, false
	}
	return request, true
}

type errorStatus struct {
	http      int
	code      string
	retryable bool
}

// classify maps an engine error onto its HTTP status and stable error code.
// Storage kinds are checked before bind kinds because an unresolved source
// wraps the storage failure that caused it.
func classify(err error) errorStatus {
	var parseErr *sqlparser.ParseError
	switch {
	case errors.As(err, &parseErr):
		return errorStatus{http.StatusBadRequest, "PARSE_ERROR", false}
	case errors.Is(err, plan.ErrUnsupportedJoinCondition):
		return errorStatus{http.StatusBadRequest, "UNSUPPORTED_JOIN_CONDITION", false}
	case errors.Is(err, plan.ErrDuplicateAlias), errors.Is(err, plan.ErrUnknownAlias), errors.Is(err, plan.ErrUnsupported):
		return errorStatus{http.StatusBadRequest, "PLAN_ERROR", false}
	case errors.Is(err, storage.ErrUnknownScheme):
		return errorStatus{http.StatusBadRequest, "UNKNOWN_SCHEME", false}
	case errors.Is(err, storage.ErrInvalidURI):
		return errorStatus{http.StatusBadRequest, "INVALID_URI", false}
	case errors.Is(err, storage.ErrNotFound):
		return errorStatus{http.StatusNotFound, "SOURCE_NOT_FOUND", false}
	case errors.Is(err, storage.ErrAccessDenied):
		return errorStatus{http.StatusForbidden, "ACCESS_DENIED", false}
	case storage.IsTransient(err):
		return errorStatus{http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", true}
	case errors.Is(err, ingest.ErrMalformedRow):
		return errorStatus{http.StatusUnprocessableEntity, "MALFORMED_ROW", false}
	case errors.Is(err, ingest.ErrTypeInferenceFailure):
		return errorStatus{http.StatusUnprocessableEntity, "TYPE_INFERENCE_FAILURE", false}
	case errors.Is(err, ingest.ErrUnsupported):
		return errorStatus{http.StatusUnprocessableEntity, "UNSUPPORTED_SOURCE", false}
	case errors.Is(err, catalog.ErrUnknownColumn):
		return errorStatus{http.StatusBadRequest, "UNKNOWN_COLUMN", false}
	case errors.Is(err, catalog.ErrAmbiguousColumn):
		return errorStatus{http.StatusBadRequest, "AMBIGUOUS_COLUMN", false}
	case errors.Is(err, catalog.ErrUnresolvedSource):
		return errorStatus{http.StatusBadRequest, "UNRESOLVED_SOURCE", false}
	case errors.Is(err, execution.ErrTypeMismatch):
		return errorStatus{http.StatusBadRequest, "TYPE_MISMATCH", false}
	case errors.Is(err, execution.ErrResourceExhausted):
		return errorStatus{http.StatusUnprocessableEntity, "RESOURCE_EXHAUSTED", false}
	case errors.Is(err, arrowipc.ErrUnsupportedType):
		return errorStatus{http.StatusInternalServerError, "UNSUPPORTED_TYPE", false}
	case errors.Is(err, arrowipc.ErrCorrupt):
		return errorStatus{http.StatusInternalServerError, "SERIALIZE_CORRUPT", false}
	case errors.Is(err, context.DeadlineExceeded):
		return errorStatus{http.StatusGatewayTimeout, "QUERY_TIMEOUT", true}
	case errors.Is(err, context.Canceled):
		return errorStatus{http.StatusServiceUnavailable, "QUERY_CANCELLED", true}
	default:
		return errorStatus{http.StatusInternalServerError, "QUERY_FAILED", false}
	}
}

func writeQueryError(ctx context.Context, w http.ResponseWriter, err error) {
	status := classify(err)
	extra := map[string]any{}
	var queryErr *query.Error
	if errors.As(err, &queryErr) {
		extra["query_id"] = queryErr.QueryID
		extra["stage"] = string(queryErr.Stage)
	}
	var parseErr *sqlparser.ParseError
	if errors.As(err, &parseErr) {
		extra["line"] = parseErr.Line
		extra["column"] = parseErr.Column
	}
	var bindErr *catalog.BindError
	if errors.As(err, &bindErr) {
		if bindErr.URI != "" {
			extra["uri"] = bindErr.URI
		}
		if bindErr.Column != "" {
			extra["column_ref"] = bindErr.Column
		}
	}
	var storageErr *storage.Error
	if errors.As(err, &storageErr) && storageErr.URI != "" {
		extra["uri"] = storageErr.URI
	}
	if len(extra) == 0 {
		extra = nil
	}
	writeError(ctx, w, status.http, status.code, err.Error(), status.retryable, extra)
}
