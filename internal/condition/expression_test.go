package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evalCase struct {
	name    string
	expr    string
	ctx     EvalContext
	want    bool
	wantErr bool
}

func TestEvaluate(t *testing.T) {
	cases := []evalCase{
		{name: "gt true", expr: "value > 1000", ctx: Fields{"value": 1500.0}, want: true},
		{name: "gt false", expr: "value > 1000", ctx: Fields{"value": 500.0}, want: false},
		{name: "gte equal", expr: "severity >= 3", ctx: Fields{"severity": 3}, want: true},
		{name: "lt negative literal", expr: "delta < -5", ctx: Fields{"delta": -10.0}, want: true},
		{name: "eq string", expr: `source == "security"`, ctx: Fields{"source": "security"}, want: true},
		{name: "eq string case-insensitive", expr: `severity_name == "HIGH"`, ctx: Fields{"severity_name": "high"}, want: true},
		{name: "neq string", expr: `kind != "login_failure"`, ctx: Fields{"kind": "login_success"}, want: true},
		{name: "bool eq", expr: "anomaly == true", ctx: Fields{"anomaly": true}, want: true},
		{name: "bool vs string", expr: `anomaly == "true"`, ctx: Fields{"anomaly": true}, want: false},
		{
			name: "AND both true",
			expr: `source == "cost" AND value > 500`,
			ctx:  Fields{"source": "cost", "value": 1000.0},
			want: true,
		},
		{
			name: "AND short-circuits missing field",
			expr: `source == "cost" AND missing > 1`,
			ctx:  Fields{"source": "security"},
			want: false,
		},
		{
			name: "OR first true",
			expr: `source == "cost" OR value > 500`,
			ctx:  Fields{"source": "security", "value": 1000.0},
			want: true,
		},
		{name: "NOT", expr: "NOT value > 1000", ctx: Fields{"value": 500.0}, want: true},
		{
			name: "parenthesized",
			expr: `(kind == "a" OR kind == "b") AND severity >= 2`,
			ctx:  Fields{"kind": "b", "severity": 2},
			want: true,
		},
		{name: "contains string", expr: `entity contains "db"`, ctx: Fields{"entity": "orders-db-1"}, want: true},
		{name: "contains list", expr: `related contains "payments"`, ctx: Fields{"related": []string{"auth", "payments"}}, want: true},
		{name: "matches", expr: `entity matches "^api-[0-9]+$"`, ctx: Fields{"entity": "api-12"}, want: true},
		{name: "matches false", expr: `entity matches "^api-[0-9]+$"`, ctx: Fields{"entity": "web-12"}, want: false},
		{
			name: "nested field",
			expr: `extra.region == "eu-west-1"`,
			ctx:  Fields{"extra": map[string]interface{}{"region": "eu-west-1"}},
			want: true,
		},
		{name: "unknown field", expr: "missing > 10", ctx: Fields{"value": 100.0}, wantErr: true},
		{name: "numeric op on string", expr: "kind > 10", ctx: Fields{"kind": "x"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ast, err := Parse(tc.expr)
			require.NoError(t, err, "Parse(%q)", tc.expr)
			got, err := Evaluate(ast, tc.ctx)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got, "Evaluate(%q)", tc.expr)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []string{
		`"unterminated`,
		`value 1000`,
		``,
		`value = 3`,
		`value >> 3`,
		`(value > 3`,
		`entity matches "["`,
		`value > 3 extra`,
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.Error(t, err)
		})
	}
}

func TestPredicate(t *testing.T) {
	empty, err := Compile("  ")
	require.NoError(t, err)
	assert.True(t, empty.Match(Fields{}))

	p, err := Compile("severity >= 3")
	require.NoError(t, err)
	assert.Equal(t, "severity >= 3", p.String())
	assert.True(t, p.Match(Fields{"severity": 4}))
	assert.False(t, p.Match(Fields{"severity": 1}))
	assert.False(t, p.Match(Fields{}), "evaluation error is no match")

	_, err = Compile("severity >")
	assert.Error(t, err)
}
