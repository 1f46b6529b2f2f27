package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/i5heu/ouroboros-graph/pkg/closure"
	"github.com/i5heu/ouroboros-graph/pkg/model"
	"github.com/i5heu/ouroboros-graph/pkg/objects"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const from = `FROM objects o JOIN objects p ON p."streamId" = o."streamId" AND p.id = $1 WHERE o."streamId" = $2 AND (p.data -> '__closure') ? o.id`

func andOrQuery() closure.Query {
	return closure.Query{
		ObjectID: "parent",
		Select:   []string{"test.value"},
		Where: []closure.Predicate{
			{Field: "test.value", Operator: closure.OpGt, Value: 1},
			{Field: "test.value", Operator: closure.OpLt, Value: 24, Verb: closure.VerbAnd},
			{Field: "test.value", Operator: closure.OpEq, Value: 42, Verb: closure.VerbOr},
		},
		OrderBy: &closure.OrderBy{Field: "test.value", Direction: closure.Asc},
		Limit:   3,
	}
}

func newMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	repo := New(sqlx.NewDb(db, "postgres"), logger)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, mock
}

func TestCompileChildrenAndBeforeOr(t *testing.T) {
	q := andOrQuery()
	require.NoError(t, q.Validate())

	c, err := compileChildren("stream", q)
	require.NoError(t, err)

	filter := ` AND ((o.data #> $3::text[] > $4::jsonb AND o.data #> $5::text[] < $6::jsonb) OR (o.data #> $7::text[] = $8::jsonb))`
	assert.Equal(t, "SELECT count(*) "+from+filter, c.Count)
	assert.Equal(t, "SELECT o.id, o.data "+from+filter+" ORDER BY o.data #> $9::text[] ASC, o.id ASC LIMIT $10", c.Query)
	assert.Len(t, c.CountArgs, 8)
	require.Len(t, c.Args, 10)
	assert.Equal(t, "parent", c.Args[0])
	assert.Equal(t, "stream", c.Args[1])
	assert.Equal(t, "1", c.Args[3])
	assert.Equal(t, "42", c.Args[7])
	assert.Equal(t, 4, c.Args[9])
}

func TestCompileChildrenKeyset(t *testing.T) {
	value := closure.Cursor{ID: "abc", Value: json.RawMessage(`true`)}
	missing := closure.Cursor{ID: "abc", Missing: true}

	cases := []struct {
		name   string
		dir    closure.Direction
		cursor closure.Cursor
		want   string
	}{
		{"asc value", closure.Asc, value, `(o.data #> $3::text[] > $5::jsonb OR (o.data #> $3::text[] = $5::jsonb AND o.id > $4) OR o.data #> $3::text[] IS NULL)`},
		{"desc value", closure.Desc, value, `(o.data #> $3::text[] < $5::jsonb OR (o.data #> $3::text[] = $5::jsonb AND o.id > $4))`},
		{"asc missing", closure.Asc, missing, `(o.data #> $3::text[] IS NULL AND o.id > $4)`},
		{"desc missing", closure.Desc, missing, `(o.data #> $3::text[] IS NOT NULL OR o.id > $4)`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := closure.Query{
				ObjectID: "parent",
				OrderBy:  &closure.OrderBy{Field: "nest.duck", Direction: tc.dir},
				Cursor:   tc.cursor.Encode(),
			}
			require.NoError(t, q.Validate())
			c, err := compileChildren("stream", q)
			require.NoError(t, err)
			assert.Contains(t, c.Query, " AND "+tc.want+" ORDER BY ")
		})
	}
}

func TestCompileChildrenByID(t *testing.T) {
	q := closure.Query{ObjectID: "parent", Cursor: closure.Cursor{ID: "abc"}.Encode(), Limit: 2}
	require.NoError(t, q.Validate())
	c, err := compileChildren("stream", q)
	require.NoError(t, err)
	assert.Equal(t, "SELECT o.id, o.data "+from+" AND o.id > $3 ORDER BY o.id ASC LIMIT $4", c.Query)
	assert.Equal(t, []any{"parent", "stream", "abc", 3}, c.Args)
}

func TestQueryRejectsOperatorWithoutTouchingDatabase(t *testing.T) {
	repo, mock := newMock(t)
	_, err := repo.GetObjectChildrenQuery(context.Background(), "stream", closure.Query{
		ObjectID: "parent",
		Where:    []closure.Predicate{{Field: "test.value", Operator: "= 1; DROP TABLE objects; --", Value: 1}},
	})
	assert.ErrorIs(t, err, closure.ErrInvalidOperator)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetObjectChildrenQuery(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM objects`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(23))
	rows := sqlmock.NewRows([]string{"id", "data"})
	for i := 2; i < 6; i++ {
		rows.AddRow(fmt.Sprintf("id-%d", i), fmt.Sprintf(`{"id":"id-%d","name":"mr. %d","test":{"value":%d}}`, i, i, i))
	}
	mock.ExpectQuery(`SELECT o.id, o.data FROM objects`).WillReturnRows(rows)

	res, err := repo.GetObjectChildrenQuery(context.Background(), "stream", andOrQuery())
	require.NoError(t, err)
	assert.Equal(t, 23, res.TotalCount)
	require.Len(t, res.Objects, 3)
	assert.Equal(t, map[string]any{"test": map[string]any{"value": float64(2)}}, res.Objects[0].Data)
	require.NotNil(t, res.Cursor)

	c, err := closure.DecodeCursor(*res.Cursor)
	require.NoError(t, err)
	assert.Equal(t, "id-4", c.ID)
	assert.JSONEq(t, `4`, string(c.Value))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateObjectsInsertsIgnoringConflicts(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO objects .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.CreateObjects(context.Background(), "stream", []objects.Object{
		{ID: "a", Data: json.RawMessage(`{"id":"a"}`)},
		{ID: "b", Data: json.RawMessage(`{"id":"b"}`), TotalChildrenCount: 1, TotalChildrenCountByDepth: map[int]int{1: 1}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	repo, err := Open(ctx, dsn, logger)
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.EnsureSchema(ctx))

	stream := "it-" + t.Name()
	closureOfParent := map[string]any{}
	var objs []objects.Object
	for i := 0; i < 100; i++ {
		child := map[string]any{"name": fmt.Sprintf("mr. %d", i), "test": map[string]any{"value": i}, "stream": stream}
		id, err := model.EnsureID(child)
		require.NoError(t, err)
		raw, err := json.Marshal(child)
		require.NoError(t, err)
		closureOfParent[id] = 1
		objs = append(objs, objects.Object{ID: id, Data: raw})
	}
	parent := map[string]any{"name": "parent", "stream": stream, model.FieldClosure: closureOfParent}
	parentID, err := model.EnsureID(parent)
	require.NoError(t, err)
	raw, err := json.Marshal(parent)
	require.NoError(t, err)
	objs = append(objs, objects.Object{ID: parentID, Data: raw, TotalChildrenCount: 100})
	require.NoError(t, repo.CreateObjects(ctx, stream, objs))

	q := andOrQuery()
	q.ObjectID = parentID
	first, err := repo.GetObjectChildrenQuery(ctx, stream, q)
	require.NoError(t, err)
	assert.Equal(t, 23, first.TotalCount)
	require.NotNil(t, first.Cursor)

	q.Cursor = *first.Cursor
	q.Limit = 40
	second, err := repo.GetObjectChildrenQuery(ctx, stream, q)
	require.NoError(t, err)
	assert.Len(t, second.Objects, 20)
	assert.Nil(t, second.Cursor)

	got, err := repo.GetObjects(ctx, stream, []string{parentID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100, got[0].TotalChildrenCount)
}
