package script

import (
	"context"
	"fmt"
)

// Rule is one entry of a RuleSet: when the condition holds, the rule's
// outcome applies and the rendered reason explains it.
type Rule struct {
	Name    string `json:"name" yaml:"name"`
	When    string `json:"when" yaml:"when"`
	Outcome string `json:"outcome" yaml:"outcome"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Match is the first rule of a RuleSet whose condition held.
type Match struct {
	Rule    string
	Outcome string
	Reason  string
}

type compiledRule struct {
	rule   Rule
	when   Script
	reason *Template
}

// RuleSet evaluates an ordered list of rules. The first rule whose
// condition is truthy wins.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules compiles every condition and reason template up front so a
// malformed rule fails at startup rather than mid-execution.
func CompileRules(ctx context.Context, engine Compiler, rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, rule := range rules {
		when, err := engine.Compile(ctx, rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %q: failed to compile condition: %w", rule.Name, err)
		}
		reason, err := NewTemplate(ctx, engine, rule.Reason)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{rule: rule, when: when, reason: reason})
	}
	return rs, nil
}

// Evaluate returns the first matching rule, or nil when none matched.
func (rs *RuleSet) Evaluate(ctx context.Context, globals map[string]any) (*Match, error) {
	for _, cr := range rs.rules {
		value, err := cr.when.Evaluate(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", cr.rule.Name, err)
		}
		if !value.IsTruthy() {
			continue
		}
		reason, err := cr.reason.Eval(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", cr.rule.Name, err)
		}
		return &Match{Rule: cr.rule.Name, Outcome: cr.rule.Outcome, Reason: reason}, nil
	}
	return nil, nil
}
