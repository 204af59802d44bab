package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlanywhere/sqlanywhere/internal/sqlparser"
)

func build(t *testing.T, sql string) (Node, error) {
	t.Helper()
	stmt, err := sqlparser.Parse(sql)
	require.NoError(t, err)
	return Build(stmt)
}

func TestBuild_StudentsScores(t *testing.T) {
	root, err := build(t, `SELECT st."id" AS "Student Id", st.name, s.score
		FROM "s3://school/students.csv" st
		JOIN "file:///data/scores.csv" AS s ON s.student_id = st.id
		WHERE s.score > 50
		LIMIT 5`)
	require.NoError(t, err)

	limit, ok := root.(*Limit)
	require.True(t, ok)
	assert.Equal(t, int64(5), limit.Count)

	project, ok := limit.Input.(*Project)
	require.True(t, ok)
	require.Len(t, project.Columns, 3)
	assert.Equal(t, "Student Id", project.Columns[0].Label())
	assert.Equal(t, "name", project.Columns[1].Label())

	filter, ok := project.Input.(*Filter)
	require.True(t, ok)
	join, ok := filter.Input.(*Join)
	require.True(t, ok)
	assert.Equal(t, JoinInner, join.Type)
	require.Len(t, join.Keys, 1)
	// Keys are oriented left input first regardless of how ON was written.
	assert.Equal(t, KeyPair{
		Left:     ColumnRef{Alias: "st", Column: "id"},
		Right:    ColumnRef{Alias: "s", Column: "student_id"},
		Oriented: true,
	}, join.Keys[0])

	scans := Scans(root)
	require.Len(t, scans, 2)
	assert.Equal(t, TableRef{URI: "s3://school/students.csv", Alias: "st"}, scans[0].Table)
	assert.Equal(t, TableRef{URI: "file:///data/scores.csv", Alias: "s"}, scans[1].Table)
}

func TestBuild_DefaultAliasIsStem(t *testing.T) {
	root, err := build(t, `SELECT students.name FROM "s3://school/Students.CSV" JOIN scores ON students.id = scores.id`)
	require.NoError(t, err)
	scans := Scans(root)
	assert.Equal(t, "students", scans[0].Table.Alias)
	assert.Equal(t, TableRef{URI: "scores", Alias: "scores", Bare: true}, scans[1].Table)
}

func TestDefaultAlias(t *testing.T) {
	tests := map[string]string{
		"s3://bucket/dir/Events.csv":  "events",
		"gs://lake/events/":           "events",
		"file:///tmp/data.tar.gz":     "data.tar",
		"students":                    "students",
		"az://container/part.csv?x=1": "part",
	}
	for uri, want := range tests {
		assert.Equal(t, want, DefaultAlias(uri), uri)
	}
}

func TestBuild_UnqualifiedKeysStayUnoriented(t *testing.T) {
	root, err := build(t, `SELECT * FROM "a.csv" a JOIN "b.csv" b ON id = b.a_id`)
	require.NoError(t, err)
	join := root.(*Project).Input.(*Join)
	assert.False(t, join.Keys[0].Oriented)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want error
	}{
		{"non equality join", `SELECT * FROM "a.csv" a JOIN "b.csv" b ON a.x > b.y`, ErrUnsupportedJoinCondition},
		{"or in join", `SELECT * FROM "a.csv" a JOIN "b.csv" b ON a.x = b.y OR a.z = b.z`, ErrUnsupportedJoinCondition},
		{"literal in join", `SELECT * FROM "a.csv" a JOIN "b.csv" b ON a.x = 1`, ErrUnsupportedJoinCondition},
		{"same side join", `SELECT * FROM "a.csv" a JOIN "b.csv" b ON a.x = a.y`, ErrUnsupportedJoinCondition},
		{"duplicate alias", `SELECT * FROM "a.csv" t JOIN "b.csv" t ON t.x = t.y`, ErrDuplicateAlias},
		{"duplicate default alias", `SELECT * FROM "s3://x/a.csv" JOIN "file:///a.csv" ON a.id = a.id`, ErrDuplicateAlias},
		{"unknown alias in select", `SELECT z.id FROM "a.csv" a`, ErrUnknownAlias},
		{"unknown alias in where", `SELECT * FROM "a.csv" a WHERE z.id = 1`, ErrUnknownAlias},
		{"unknown alias star", `SELECT z.* FROM "a.csv" a`, ErrUnknownAlias},
		{"alias not yet in scope", `SELECT * FROM "a.csv" a JOIN "b.csv" b ON a.id = c.id JOIN "c.csv" c ON b.id = c.id`, ErrUnknownAlias},
		{"expression in select", `SELECT a.x = 1 FROM "a.csv" a`, ErrUnsupported},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := build(t, tc.sql)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "error = %v", err)
			var planErr *PlanError
			assert.True(t, errors.As(err, &planErr))
		})
	}
}

func TestFormat(t *testing.T) {
	root, err := build(t, `SELECT a.id, b.v AS value FROM "s3://x/a.csv" a LEFT JOIN b ON a.id = b.id AND a.k = b.k WHERE b.v IS NOT NULL LIMIT 3`)
	require.NoError(t, err)
	want := `Limit 3
  Project "a"."id", "b"."v" AS "value"
    Filter "b"."v" IS NOT NULL
      Join LEFT ON "a"."id" = "b"."id" AND "a"."k" = "b"."k"
        Scan uri "s3://x/a.csv" AS "a"
        Scan table "b" AS "b"`
	assert.Equal(t, want, Format(root))
}
