package filterx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratonas/middled/internal/common/errorx"
)

func TestParseRejectsBadShapes(t *testing.T) {
	_, err := Parse([]any{"not-a-list"})
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))

	_, err = Parse([]any{[]any{"name", "=?", "x"}})
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))

	_, err = Parse([]any{[]any{"name", "="}})
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))
}

func TestMatchBasicOps(t *testing.T) {
	row := map[string]any{
		"state":    "RUNNING",
		"id":       float64(7),
		"progress": map[string]any{"percent": float64(40)},
	}

	cases := []struct {
		filter []any
		want   bool
	}{
		{[]any{[]any{"state", "=", "RUNNING"}}, true},
		{[]any{[]any{"state", "!=", "RUNNING"}}, false},
		{[]any{[]any{"id", ">", float64(3)}}, true},
		{[]any{[]any{"id", "<=", float64(6)}}, false},
		{[]any{[]any{"state", "~", "^RUN"}}, true},
		{[]any{[]any{"state", "in", []any{"QUEUED", "RUNNING"}}}, true},
		{[]any{[]any{"state", "nin", []any{"QUEUED", "RUNNING"}}}, false},
		{[]any{[]any{"progress.percent", ">=", float64(40)}}, true},
		{[]any{[]any{"missing", "=", nil}}, true},
	}
	for _, c := range cases {
		f, err := Parse(c.filter)
		require.NoError(t, err)
		assert.Equal(t, c.want, f.Match(row), "filter %v", c.filter)
	}
}

func TestMatchOr(t *testing.T) {
	f, err := Parse([]any{
		[]any{"OR", []any{
			[]any{"state", "=", "SUCCESS"},
			[]any{"state", "=", "FAILED"},
		}},
	})
	require.NoError(t, err)

	assert.True(t, f.Match(map[string]any{"state": "FAILED"}))
	assert.False(t, f.Match(map[string]any{"state": "RUNNING"}))
}

func TestSQLRendering(t *testing.T) {
	f, err := Parse([]any{
		[]any{"username", "=", "root"},
		[]any{"uid", "in", []any{float64(0), float64(1)}},
	})
	require.NoError(t, err)

	clause, args, err := f.SQL()
	require.NoError(t, err)
	assert.Equal(t, "username = ? AND uid IN ?", clause)
	assert.Len(t, args, 2)
}

func TestSQLRejectsHostileFieldName(t *testing.T) {
	f := Filter{{Field: "name; DROP TABLE users", Op: "=", Value: 1}}
	_, _, err := f.SQL()
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions(map[string]any{
		"order_by": []any{"-id"},
		"limit":    float64(10),
		"get":      true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"-id"}, o.OrderBy)
	assert.Equal(t, 10, o.Limit)
	assert.True(t, o.Get)

	_, err = ParseOptions(map[string]any{"bogus": 1})
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))
}

func TestSplitSendsRegexTermsToMemory(t *testing.T) {
	f := Filter{
		{Field: "username", Op: "~", Value: "^adm"},
		{Field: "locked", Op: "=", Value: false},
	}
	sqlPart, memPart := f.Split()
	require.Len(t, sqlPart, 1)
	require.Len(t, memPart, 1)
	assert.Equal(t, "locked", sqlPart[0].Field)
	assert.Equal(t, "~", memPart[0].Op)

	// An OR node with a regex branch moves wholesale.
	or := Filter{{Or: []Filter{
		{{Field: "username", Op: "~", Value: "^adm"}},
		{{Field: "uid", Op: "=", Value: float64(0)}},
	}}}
	sqlPart, memPart = or.Split()
	assert.Empty(t, sqlPart)
	assert.Len(t, memPart, 1)
}

func TestSQLRefusesRegexOp(t *testing.T) {
	f := Filter{{Field: "username", Op: "~", Value: "^adm"}}
	_, _, err := f.SQL()
	assert.True(t, errorx.Is(err, errorx.TypeValidationError))
}

func TestOptionsSortOrdersRows(t *testing.T) {
	rows := []map[string]any{
		{"id": int64(2), "method": "b.run"},
		{"id": int64(3), "method": "a.run"},
		{"id": int64(1), "method": "b.run"},
	}

	Options{OrderBy: []string{"id"}}.Sort(rows)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, int64(3), rows[2]["id"])

	Options{OrderBy: []string{"method", "-id"}}.Sort(rows)
	assert.Equal(t, int64(3), rows[0]["id"])
	assert.Equal(t, int64(2), rows[1]["id"])
	assert.Equal(t, int64(1), rows[2]["id"])
}
