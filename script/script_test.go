package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRisorEngine(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(map[string]any{"amount": int64(0), "name": ""})

	t.Run("comparison", func(t *testing.T) {
		code, err := engine.Compile(ctx, "amount <= 25000")
		require.NoError(t, err)

		value, err := code.Evaluate(ctx, map[string]any{"amount": int64(20000)})
		require.NoError(t, err)
		require.True(t, value.IsTruthy())
		require.Equal(t, true, value.Value())

		value, err = code.Evaluate(ctx, map[string]any{"amount": int64(30000)})
		require.NoError(t, err)
		require.False(t, value.IsTruthy())
	})

	t.Run("string functions", func(t *testing.T) {
		code, err := engine.Compile(ctx, `strings.to_upper(name)`)
		require.NoError(t, err)
		value, err := code.Evaluate(ctx, map[string]any{"name": "ada"})
		require.NoError(t, err)
		require.Equal(t, "ADA", value.String())
	})

	t.Run("undeclared variable at compile time", func(t *testing.T) {
		_, err := engine.Compile(ctx, "missing > 1")
		require.Error(t, err)
	})

	t.Run("undeclared variable at evaluation", func(t *testing.T) {
		code, err := engine.Compile(ctx, "true")
		require.NoError(t, err)
		_, err = code.Evaluate(ctx, map[string]any{"other": 1})
		require.ErrorContains(t, err, "undeclared variable")
	})

	t.Run("syntax error", func(t *testing.T) {
		_, err := engine.Compile(ctx, "1 +")
		require.Error(t, err)
	})
}

func TestTemplate(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(map[string]any{"name": "", "amount": int64(0)})

	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		want        string
		errContains string
	}{
		{
			name:  "plain string",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:    "single expression",
			input:   "Hello ${name}",
			globals: map[string]any{"name": "Alice"},
			want:    "Hello Alice",
		},
		{
			name:    "several expressions",
			input:   "${name} asked for ${amount}, limit ${20000 + 5000}",
			globals: map[string]any{"name": "Bob", "amount": int64(30000)},
			want:    "Bob asked for 30000, limit 25000",
		},
		{
			name:        "unclosed brace",
			input:       "Hello ${name",
			errContains: "unclosed template expression",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := NewTemplate(ctx, engine, tt.input)
			if tt.errContains != "" {
				require.ErrorContains(t, err, tt.errContains)
				return
			}
			require.NoError(t, err)
			got, err := tmpl.Eval(ctx, tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRuleSet(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(map[string]any{"ssn": "", "amount": int64(0)})
	rules, err := CompileRules(ctx, engine, []Rule{
		{Name: "blocked", When: `ssn == "2222"`, Outcome: "deny", Reason: "applicant ${ssn} is blocked"},
		{Name: "limit", When: `ssn == "3333" && amount > 25000`, Outcome: "deny", Reason: "amount ${amount} over limit"},
		{Name: "default", When: "true", Outcome: "approve"},
	})
	require.NoError(t, err)

	match, err := rules.Evaluate(ctx, map[string]any{"ssn": "2222", "amount": int64(1)})
	require.NoError(t, err)
	require.Equal(t, &Match{Rule: "blocked", Outcome: "deny", Reason: "applicant 2222 is blocked"}, match)

	match, err = rules.Evaluate(ctx, map[string]any{"ssn": "3333", "amount": int64(30000)})
	require.NoError(t, err)
	require.Equal(t, "limit", match.Rule)
	require.Equal(t, "amount 30000 over limit", match.Reason)

	match, err = rules.Evaluate(ctx, map[string]any{"ssn": "3333", "amount": int64(20000)})
	require.NoError(t, err)
	require.Equal(t, "approve", match.Outcome)

	t.Run("no match", func(t *testing.T) {
		rs, err := CompileRules(ctx, engine, []Rule{{Name: "never", When: "false", Outcome: "deny"}})
		require.NoError(t, err)
		match, err := rs.Evaluate(ctx, nil)
		require.NoError(t, err)
		require.Nil(t, match)
	})

	t.Run("bad rule fails to compile", func(t *testing.T) {
		_, err := CompileRules(ctx, engine, []Rule{{Name: "broken", When: "amount >"}})
		require.ErrorContains(t, err, `rule "broken"`)
	})
}
