package expression

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Input: map[string]interface{}{
			"user_id": "u1",
			"name":    "J",
			"age":     25,
			"users": []interface{}{
				map[string]interface{}{"name": "ada", "role": "admin", "age": 36},
				map[string]interface{}{"name": "bob", "role": "user", "age": 41},
				map[string]interface{}{"name": "cyd", "role": "admin", "age": 29},
			},
		},
		Nodes: map[string]interface{}{
			"api": map[string]interface{}{
				"output":  map[string]interface{}{"id": "order-7", "total": 125.5},
				"context": map[string]interface{}{"attempt": 2},
			},
		},
		Env:      map[string]interface{}{"TOKEN": "secret-token"},
		Vars:     map[string]interface{}{"base": "https://api.test"},
		Workflow: map[string]interface{}{"id": "wf_1", "version": 3},
		Execution: map[string]interface{}{
			"id":    "exec_1",
			"state": map[string]interface{}{"counter": 4},
		},
		Now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRenderBarePaths(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	tests := []struct {
		name string
		path string
		want interface{}
	}{
		{"simple field", "$input.name", "J"},
		{"numeric field", "$input.age", 25},
		{"bracket index", "$input.users[0].name", "ada"},
		{"dot index", "$input.users.1.name", "bob"},
		{"node output", "$nodes.api.output.id", "order-7"},
		{"node context", "$nodes.api.context.attempt", 2},
		{"env", "$env.TOKEN", "secret-token"},
		{"vars", "$vars.base", "https://api.test"},
		{"workflow", "$workflow.version", 3},
		{"execution state", "$execution.state.counter", 4},
		{"whole root", "$env", map[string]interface{}{"TOKEN": "secret-token"}},
		{"missing field", "$input.missing", nil},
		{"missing deep", "$input.missing.deeper.deepest", nil},
		{"index out of range", "$input.users[9].name", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parser.Render(tt.path, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderWildcardAndFilterSegments(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	got, err := parser.Render("$input.users.*.name", ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"ada", "bob", "cyd"}, got)

	got, err = parser.Render(`$input.users.{role: "admin"}`, ctx)
	require.NoError(t, err)
	admins, ok := got.([]interface{})
	require.True(t, ok)
	require.Len(t, admins, 2)
	assert.Equal(t, "ada", admins[0].(map[string]interface{})["name"])
	assert.Equal(t, "cyd", admins[1].(map[string]interface{})["name"])

	got, err = parser.Render(`$input.users.{role: "admin"}.0.name`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada", got)

	got, err = parser.Render(`$input.users.{role: "admin", age: 29}`, ctx)
	require.NoError(t, err)
	require.Len(t, got.([]interface{}), 1)

	// wildcard over a scalar has no elements
	got, err = parser.Render("$input.name.*", ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{}, got)

	// wildcard keeps positions for elements missing the field
	ctx.Input.(map[string]interface{})["mixed"] = []interface{}{
		map[string]interface{}{"v": 1},
		map[string]interface{}{"other": true},
	}
	got, err = parser.Render("$input.mixed.*.v", ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, nil}, got)
}

func TestRenderTemplates(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	tests := []struct {
		name string
		text string
		want interface{}
	}{
		{"single region native int", "{{ $input.age }}", 25},
		{"single region native map", "{{ $nodes.api.output }}", map[string]interface{}{"id": "order-7", "total": 125.5}},
		{"single region with filter", "{{ $input.name | lower_case }}", "j"},
		{"single region literal head", "{{ 5 }}", 5},
		{"mixed content", "Age: {{ $input.age }}!", "Age: 25!"},
		{"mixed two regions", "{{ $input.name }} is {{ $input.age }}", "J is 25"},
		{"missing single region", "{{ $input.nope }}", nil},
		{"missing mixed region", "name=[{{ $input.nope }}]", "name=[]"},
		{"plain text passthrough", "no expressions here", "no expressions here"},
		{"dollar literal", "$5 off your order", "$5 off your order"},
		{"unknown root literal", "$HOME/bin", "$HOME/bin"},
		{"path filter inside region", `{{ $input.users.{role: "admin"} | length }}`, 2},
		{"chained filters", "{{ $input.users | map(\"age\") | sum }}", 106.0},
		{"whitespace around single region", "  {{ $input.age }}  ", 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parser.Render(tt.text, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderUnknownFilterKeepsRegionText(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	got, err := parser.Render("{{ $input.name | sparkle }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "{{ $input.name | sparkle }}", got)

	got, err = parser.Render("x {{ $input.name | sparkle }} y", ctx)
	require.NoError(t, err)
	assert.Equal(t, "x {{ $input.name | sparkle }} y", got)
}

func TestRenderFilterErrorAborts(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	_, err := parser.Render(`{{ $input.users | sum }}`, ctx)
	require.Error(t, err)
	var ferr *FilterError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, CodeFilterArgument, ferr.Code)
	assert.Equal(t, "sum filter requires all elements to be numeric", ferr.Message)
}

func TestRenderMissingPathsNeverError(t *testing.T) {
	parser := NewParser()
	ctx := &Context{}

	got, err := parser.Render("{{ $input.a.b.c }}", ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parser.Render("v={{ $input.a.b.c }} w={{ $nodes.x.output }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "v= w=", got)

	got, err = parser.Render("{{ $input.a | upper_case | truncate(3) }}", ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvaluateUnknownFilterError(t *testing.T) {
	parser := NewParser()
	_, err := parser.Evaluate("$input.name | nonexistent", testContext())
	require.Error(t, err)
	var unknown *UnknownFilterError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nonexistent", unknown.Name)
}

func TestRenderParamsRecurses(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	params := map[string]interface{}{
		"data": map[string]interface{}{
			"user_id": "$input.user_id",
			"age":     "$input.age",
			"label":   "user {{ $input.name }}",
		},
		"targets": []interface{}{"$input.users.0.name", "static"},
		"retries": 3,
	}

	got, err := parser.RenderParams(params, ctx)
	require.NoError(t, err)

	data := got["data"].(map[string]interface{})
	assert.Equal(t, "u1", data["user_id"])
	assert.Equal(t, 25, data["age"])
	assert.Equal(t, "user J", data["label"])
	assert.Equal(t, []interface{}{"ada", "static"}, got["targets"])
	assert.Equal(t, 3, got["retries"])
}

func TestRenderParamsPropagatesFilterErrors(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	_, err := parser.RenderParams(map[string]interface{}{
		"bad": "{{ $input.age | sqrt | mod(0) }}",
	}, ctx)
	require.Error(t, err)
	var ferr *FilterError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, CodeFilterDomain, ferr.Code)
}

func TestRenderNow(t *testing.T) {
	ctx := testContext()
	parser := NewParser()

	got, err := parser.Render("$now", ctx)
	require.NoError(t, err)
	assert.Equal(t, ctx.Now, got)

	got, err = parser.Render("ts={{ $now }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "ts=2025-03-01T12:00:00Z", got)
}
