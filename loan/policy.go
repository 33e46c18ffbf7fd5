package loan

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/deepnoodle-ai/durable/script"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicy []byte

// Decision is the outcome of the decision policy.
type Decision struct {
	Outcome string
	Reason  string
	Rule    string
}

// Policy decides applications with an ordered set of Risor rules. Rule
// conditions see the variables ssn, amount, income, tier and average_score.
type Policy struct {
	rules *script.RuleSet
}

func policyEngine() *script.RisorEngine {
	return script.NewRisorEngine(map[string]any{
		"ssn":           "",
		"amount":        0.0,
		"income":        0.0,
		"tier":          "",
		"average_score": 0.0,
	})
}

// DefaultPolicy returns the built-in rules.
func DefaultPolicy(ctx context.Context) (*Policy, error) {
	return ParsePolicy(ctx, defaultPolicy)
}

// ParsePolicy compiles a YAML list of rules.
func ParsePolicy(ctx context.Context, data []byte) (*Policy, error) {
	var rules []script.Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	for _, rule := range rules {
		if rule.Outcome != StatusApproved && rule.Outcome != StatusDenied {
			return nil, fmt.Errorf("rule %q: outcome must be %q or %q", rule.Name, StatusApproved, StatusDenied)
		}
	}
	rs, err := script.CompileRules(ctx, policyEngine(), rules)
	if err != nil {
		return nil, err
	}
	return &Policy{rules: rs}, nil
}

// Decide evaluates the rules against an application and its risk tier.
// Applications matching no rule are approved.
func (p *Policy) Decide(ctx context.Context, app *ValidatedApplication, tier string, averageScore float64) (*Decision, error) {
	match, err := p.rules.Evaluate(ctx, map[string]any{
		"ssn":           app.SSNLast4,
		"amount":        app.LoanAmount,
		"income":        app.AnnualIncome,
		"tier":          tier,
		"average_score": averageScore,
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return &Decision{Outcome: StatusApproved, Reason: "no rule matched"}, nil
	}
	return &Decision{Outcome: match.Outcome, Reason: match.Reason, Rule: match.Rule}, nil
}
