package federated

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	_ "github.com/marcboeker/go-duckdb/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sqlanywhere/sqlanywhere/internal/catalog"
	"github.com/sqlanywhere/sqlanywhere/internal/columnar"
	"github.com/sqlanywhere/sqlanywhere/internal/ingest"
	"github.com/sqlanywhere/sqlanywhere/internal/observability"
	"github.com/sqlanywhere/sqlanywhere/internal/plan"
	"github.com/sqlanywhere/sqlanywhere/internal/query"
	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
	"github.com/sqlanywhere/sqlanywhere/internal/storage"
	"github.com/sqlanywhere/sqlanywhere/internal/storage/local"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	registry := storage.NewRegistry(storage.DefaultRetryPolicy(), observability.DiscardLogger())
	registry.Register("file", local.Factory())
	if opts.Catalog.Ingest.BatchRows == 0 {
		opts.Catalog.Ingest = ingest.DefaultOptions()
	}
	return NewEngine(registry, opts, nil)
}

func writeCSV(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// decode reads an Arrow IPC stream back into column names and rows.
func decode(t *testing.T, data []byte) ([]string, []string) {
	t.Helper()
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ipc.NewReader() error = %v", err)
	}
	defer reader.Release()
	var names []string
	for _, f := range reader.Schema().Fields() {
		names = append(names, f.Name)
	}
	var rows []string
	for reader.Next() {
		rec := reader.Record()
		for r := 0; r < int(rec.NumRows()); r++ {
			cells := make([]string, rec.NumCols())
			for c := range cells {
				v, ok := columnar.Value(rec.Column(c), r)
				if !ok {
					cells[c] = "NULL"
					continue
				}
				cells[c] = fmt.Sprint(v)
			}
			rows = append(rows, strings.Join(cells, "|"))
		}
	}
	if err := reader.Err(); err != nil {
		t.Fatalf("reader.Err() = %v", err)
	}
	return names, rows
}

func scenarioFiles(t *testing.T) (students, scores string) {
	t.Helper()
	dir := t.TempDir()
	students = writeCSV(t, dir, "students.csv", "id,name,age\n1,Ada,36\n2,Grace,45\n")
	scores = writeCSV(t, dir, "scores.csv", "student_id,subject,score\n2,Math,91.5\n1,Physics,78\n")
	return students, scores
}

func scenarioSQL(students, scores string) string {
	return fmt.Sprintf(`SELECT id AS "Student Id", name AS "Student Name", subject AS "Subject", score AS "Score"
FROM "file://%s" JOIN "file://%s" ON id = student_id`, students, scores)
}

func TestExecuteStudentsScoresScenario(t *testing.T) {
	students, scores := scenarioFiles(t)
	engine := newEngine(t, Options{})

	result, err := engine.Execute(context.Background(), query.Request{SQL: scenarioSQL(students, scores)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	names, rows := decode(t, result.Data)
	if want := []string{"Student Id", "Student Name", "Subject", "Score"}; !slices.Equal(names, want) {
		t.Fatalf("columns = %v, want %v", names, want)
	}
	slices.Sort(rows)
	if want := []string{"1|Ada|Physics|78", "2|Grace|Math|91.5"}; !slices.Equal(rows, want) {
		t.Fatalf("rows = %q, want %q", rows, want)
	}
	if result.QueryID == "" {
		t.Fatal("QueryID is empty")
	}
	if result.Stats.Rows != 2 || result.Stats.Sources != 2 || result.Stats.BytesRead == 0 {
		t.Fatalf("stats = %+v", result.Stats)
	}
}

func TestExecuteJoinsSegmentedSourceWithPartHeaders(t *testing.T) {
	students, _ := scenarioFiles(t)
	parts := filepath.Join(t.TempDir(), "scores")
	if err := os.Mkdir(parts, 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	writeCSV(t, parts, "part-00000.csv", "student_id,score\n1,78")
	writeCSV(t, parts, "part-00001.csv", "student_id,score\n2,91.5\n")
	engine := newEngine(t, Options{})

	result, err := engine.Execute(context.Background(), query.Request{SQL: fmt.Sprintf(
		`SELECT s.name, c.score FROM "file://%s" s JOIN "file://%s" c ON s.id = c.student_id`, students, parts)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_, rows := decode(t, result.Data)
	slices.Sort(rows)
	if want := []string{"Ada|78", "Grace|91.5"}; !slices.Equal(rows, want) {
		t.Fatalf("rows = %q, want %q", rows, want)
	}
	if result.Stats.RejectedRows != 0 {
		t.Fatalf("stats = %+v", result.Stats)
	}
}

func TestExecuteIsIdempotentAcrossConcurrentCalls(t *testing.T) {
	students, scores := scenarioFiles(t)
	engine := newEngine(t, Options{})
	request := query.Request{SQL: scenarioSQL(students, scores)}

	first, err := engine.Execute(context.Background(), request)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	results := make([][]byte, 8)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			result, err := engine.Execute(context.Background(), request)
			if err != nil {
				return err
			}
			results[i] = result.Data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Execute() error = %v", err)
	}
	for i, data := range results {
		if !bytes.Equal(data, first.Data) {
			t.Fatalf("result %d differs from the first run", i)
		}
	}
}

func TestExecuteMatchesDuckDB(t *testing.T) {
	dir := t.TempDir()
	var left, right strings.Builder
	left.WriteString("id,name\n")
	right.WriteString("student_id,score\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&left, "%d,name%d\n", i%13, i)
	}
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&right, "%d,%d.25\n", i%9, i)
	}
	students := writeCSV(t, dir, "students.csv", left.String())
	scores := writeCSV(t, dir, "scores.csv", right.String())

	engine := newEngine(t, Options{})
	result, err := engine.Execute(context.Background(), query.Request{SQL: fmt.Sprintf(
		`SELECT s.name, c.score FROM "file://%s" s JOIN "file://%s" c ON s.id = c.student_id WHERE c.score > 3`, students, scores)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_, got := decode(t, result.Data)

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	defer func() { _ = db.Close() }()
	rows, err := db.QueryContext(context.Background(), fmt.Sprintf(
		`SELECT s.name, c.score FROM read_csv_auto(%s) s JOIN read_csv_auto(%s) c ON s.id = c.student_id WHERE c.score > 3`,
		quoteLiteral(students), quoteLiteral(scores)))
	if err != nil {
		t.Fatalf("duckdb query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var want []string
	for rows.Next() {
		var name string
		var score float64
		if err := rows.Scan(&name, &score); err != nil {
			t.Fatalf("scan row: %v", err)
		}
		want = append(want, fmt.Sprintf("%s|%v", name, score))
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate rows: %v", err)
	}

	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("rows differ from duckdb: got %d rows, want %d\n got %q\nwant %q", len(got), len(want), got, want)
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func TestUnknownSchemeFailsBeforeIngestion(t *testing.T) {
	students, _ := scenarioFiles(t)
	engine := newEngine(t, Options{})

	_, err := engine.Execute(context.Background(), query.Request{SQL: fmt.Sprintf(
		`SELECT * FROM "file://%s" a JOIN "ftp://example.com/scores.csv" b ON a.id = b.student_id`, students)})
	if !errors.Is(err, storage.ErrUnknownScheme) {
		t.Fatalf("Execute() error = %v, want ErrUnknownScheme", err)
	}
	var queryErr *query.Error
	if !errors.As(err, &queryErr) || queryErr.Stage != query.StageBind {
		t.Fatalf("error = %#v, want bind stage", err)
	}
	var bindErr *catalog.BindError
	if !errors.As(err, &bindErr) || bindErr.URI != "ftp://example.com/scores.csv" {
		t.Fatalf("error = %v, want the offending URI", err)
	}
}

func TestNonEqualityJoinFailsAtPlanTime(t *testing.T) {
	engine := newEngine(t, Options{})
	_, err := engine.Execute(context.Background(), query.Request{
		SQL: `SELECT * FROM "file:///does/not/exist/a.csv" a JOIN "file:///does/not/exist/b.csv" b ON a.x > b.y`,
	})
	if !errors.Is(err, plan.ErrUnsupportedJoinCondition) {
		t.Fatalf("Execute() error = %v, want ErrUnsupportedJoinCondition", err)
	}
	var queryErr *query.Error
	if !errors.As(err, &queryErr) || queryErr.Stage != query.StagePlan {
		t.Fatalf("error = %#v, want plan stage", err)
	}
}

func TestParseErrorsCarryStage(t *testing.T) {
	engine := newEngine(t, Options{MaxSQLBytes: 64})
	for _, sql := range []string{"", "SELEKT 1", "SELECT a FROM t WHERE " + strings.Repeat("a = 1 AND ", 10) + "true"} {
		_, err := engine.Execute(context.Background(), query.Request{SQL: sql})
		var parseErr *sqlparser.ParseError
		var queryErr *query.Error
		if !errors.As(err, &parseErr) || !errors.As(err, &queryErr) || queryErr.Stage != query.StageParse {
			t.Fatalf("Execute(%q) error = %v, want a parse error", sql, err)
		}
	}
}

func TestEmptySourceYieldsEmptyStream(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "empty.csv", "id,name\n")
	engine := newEngine(t, Options{})

	result, err := engine.Execute(context.Background(), query.Request{SQL: fmt.Sprintf(`SELECT * FROM "file://%s"`, path)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	names, rows := decode(t, result.Data)
	if !slices.Equal(names, []string{"id", "name"}) || len(rows) != 0 {
		t.Fatalf("columns = %v rows = %q", names, rows)
	}
	for _, f := range result.Schema.Fields() {
		if f.Type.ID() != columnar.Utf8.ID() {
			t.Fatalf("column %s type = %s, want utf8", f.Name, f.Type)
		}
	}
}

func TestRowLimitCapsResult(t *testing.T) {
	students, scores := scenarioFiles(t)
	engine := newEngine(t, Options{})

	result, err := engine.Execute(context.Background(), query.Request{SQL: scenarioSQL(students, scores), RowLimit: 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, rows := decode(t, result.Data); len(rows) != 1 {
		t.Fatalf("rows = %q, want 1", rows)
	}
}

func TestStreamFailureIsDistinguishableFromEnd(t *testing.T) {
	path := writeCSV(t, t.TempDir(), "bad.csv", "id,name\n1,a\n2,b\n3,c\n4,d\n5,e,extra\n6,f\n")
	ingestOpts := ingest.DefaultOptions()
	ingestOpts.BatchRows = 2
	ingestOpts.SampleRows = 2
	ingestOpts.MaxRejectedRows = 0
	engine := newEngine(t, Options{Catalog: catalog.Options{Ingest: ingestOpts}})

	stream, err := engine.Stream(context.Background(), query.Request{SQL: fmt.Sprintf(`SELECT * FROM "file://%s"`, path)})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	var chunks int
	for {
		_, err := stream.Next()
		if errors.Is(err, io.EOF) {
			t.Fatal("stream ended cleanly despite a malformed row")
		}
		if err != nil {
			if !errors.Is(err, ingest.ErrMalformedRow) {
				t.Fatalf("Next() error = %v, want ErrMalformedRow", err)
			}
			var queryErr *query.Error
			if !errors.As(err, &queryErr) || queryErr.Stage != query.StageExecute {
				t.Fatalf("error = %#v, want execute stage", err)
			}
			break
		}
		chunks++
	}
	if chunks == 0 {
		t.Fatal("no chunk was produced before the failure")
	}
}

func TestExplainDoesNotTouchStorage(t *testing.T) {
	engine := newEngine(t, Options{})
	out, err := engine.Explain(context.Background(), `SELECT a.id FROM "ftp://nowhere/a.csv" a LIMIT 5`)
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	for _, want := range []string{"Limit 5", `Scan uri "ftp://nowhere/a.csv" AS "a"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("Explain() = %q, missing %q", out, want)
		}
	}
}
