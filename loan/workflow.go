// Package loan implements a loan approval workflow on the durable runtime:
// validation, a parallel credit check across three bureaus, a rule-based
// risk decision, callback waits for manager approval and an external fraud
// check, and finally offer generation and disbursement.
package loan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// WorkflowName is the registered name of the loan workflow.
const WorkflowName = "loan-approval"

const (
	managerApprovalTimeout = 30 * time.Minute
	fraudCheckTimeout      = 5 * time.Minute
)

// FraudRequest asks the fraud service to check an applicant and resolve
// CallbackID with a FraudResult.
type FraudRequest struct {
	CallbackID    string `json:"callback_id"`
	ApplicationID string `json:"application_id"`
	ApplicantName string `json:"applicant_name"`
}

// FraudChecker hands fraud check requests to an external service.
type FraudChecker interface {
	RequestFraudCheck(ctx context.Context, req FraudRequest) error
}

// ApprovalRequest tells a manager that an application awaits a decision.
type ApprovalRequest struct {
	CallbackID    string  `json:"callback_id"`
	ApplicationID string  `json:"application_id"`
	ApplicantName string  `json:"applicant_name"`
	LoanAmount    float64 `json:"loan_amount"`
}

// ApprovalNotifier delivers approval requests to managers.
type ApprovalNotifier interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) error
}

// Deps are the collaborators of the workflow.
type Deps struct {
	// Fraud is required.
	Fraud FraudChecker
	// Approvals is optional. The pending callback is always visible through
	// the execution status.
	Approvals ApprovalNotifier
	// Policy defaults to DefaultPolicy.
	Policy *Policy
	// Sleep, when set, pauses inside each step to simulate external latency.
	Sleep func(ctx context.Context, d time.Duration) error
	// Clock stamps step results. Defaults to time.Now in UTC.
	Clock func() time.Time
}

type workflow struct {
	deps Deps
}

// Register adds the loan workflow to reg.
func Register(reg *durable.Registry, deps Deps) error {
	if deps.Fraud == nil {
		return fmt.Errorf("loan workflow requires a fraud checker")
	}
	if deps.Policy == nil {
		policy, err := DefaultPolicy(context.Background())
		if err != nil {
			return err
		}
		deps.Policy = policy
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	w := &workflow{deps: deps}
	return reg.Register(durable.Define(WorkflowName, 1, w.run))
}

func (w *workflow) pause(ctx context.Context, d time.Duration) error {
	if w.deps.Sleep == nil {
		return nil
	}
	return w.deps.Sleep(ctx, d)
}

func (w *workflow) run(c *durable.Context, app Application) (*Result, error) {
	result, err := w.approve(c, app)
	if err != nil && !errors.Is(err, durable.ErrSuspended) {
		c.Log("error", fmt.Sprintf("Workflow error: %s", err), durable.LevelError)
	}
	return result, err
}

func (w *workflow) approve(c *durable.Context, app Application) (*Result, error) {
	logger := c.Logger().With("application_id", app.ApplicationID)

	c.Log("validating", "Validating loan application...", durable.LevelInfo)
	validated, err := durable.Step(c, "validate", func(ctx context.Context) (*ValidatedApplication, error) {
		if err := w.pause(ctx, 2*time.Second); err != nil {
			return nil, err
		}
		return validateApplication(app, w.deps.Clock())
	})
	if err != nil {
		return nil, err
	}
	logger.Info("application validated", "loan_amount", validated.LoanAmount, "purpose", validated.LoanPurpose)
	c.Log("validating", "Application validated successfully", durable.LevelInfo)

	c.Log("credit_check", fmt.Sprintf("Pulling credit reports from %d bureaus...", len(Bureaus)), durable.LevelInfo)
	branches := make([]func(ctx context.Context) (*CreditReport, error), len(Bureaus))
	for i, bureau := range Bureaus {
		branches[i] = func(ctx context.Context) (*CreditReport, error) {
			if err := w.pause(ctx, 3*time.Second); err != nil {
				return nil, err
			}
			return pullCreditReport(bureau, validated.SSNLast4, w.deps.Clock()), nil
		}
	}
	reports, err := durable.Parallel(c, "credit_check", branches...)
	if err != nil {
		return nil, err
	}
	scores := make([]string, len(reports))
	for i, r := range reports {
		scores[i] = fmt.Sprintf("%s=%d", r.Bureau, r.Score)
	}
	c.Log("credit_check", "Credit scores received: "+strings.Join(scores, ", "), durable.LevelInfo)

	c.Log("risk_assessment", "Calculating risk score...", durable.LevelInfo)
	risk, err := durable.Step(c, "risk_assessment", func(ctx context.Context) (*RiskAssessment, error) {
		if err := w.pause(ctx, 2*time.Second); err != nil {
			return nil, err
		}
		risk := aggregateReports(reports)
		decision, err := w.deps.Policy.Decide(ctx, validated, risk.RiskTier, risk.AverageScore)
		if err != nil {
			return nil, durable.NewStepError(durable.ErrorTypePermanent, fmt.Sprintf("decision policy failed: %s", err))
		}
		risk.Decision, risk.Reason, risk.Rule = decision.Outcome, decision.Reason, decision.Rule
		return risk, nil
	})
	if err != nil {
		return nil, err
	}
	c.Log("risk_assessment", fmt.Sprintf("Risk tier: %s, avg score: %.1f, decision: %s",
		risk.RiskTier, risk.AverageScore, risk.Decision), durable.LevelInfo)

	if risk.Decision == StatusDenied {
		result := &Result{
			ApplicationID: validated.ApplicationID,
			ApplicantName: validated.ApplicantName,
			Status:        StatusDenied,
			Reason: fmt.Sprintf("Application denied (%s): risk tier %s, avg credit score %.1f",
				risk.Reason, risk.RiskTier, risk.AverageScore),
			RiskTier:     risk.RiskTier,
			AverageScore: risk.AverageScore,
		}
		c.Log("risk_assessment", "Application denied", durable.LevelWarn)
		return result, nil
	}

	if validated.LoanAmount >= managerApprovalFrom {
		c.Log("manager_approval", fmt.Sprintf("Manager approval required for loans >= %s (requested: %s)",
			dollars(managerApprovalFrom), dollars(validated.LoanAmount)), durable.LevelInfo)
		decision, err := durable.WaitForCallback[ManagerDecision](c, "manager-approval",
			func(ctx context.Context, callbackID string) error {
				if w.deps.Approvals == nil {
					return nil
				}
				return w.deps.Approvals.RequestApproval(ctx, ApprovalRequest{
					CallbackID:    callbackID,
					ApplicationID: validated.ApplicationID,
					ApplicantName: validated.ApplicantName,
					LoanAmount:    validated.LoanAmount,
				})
			}, durable.WithCallbackTimeout(managerApprovalTimeout))
		if err != nil {
			return nil, err
		}
		logger.Info("manager decision received", "approved", decision.Approved)
		if !decision.Approved {
			reason := decision.Reason
			if reason == "" {
				reason = "Manager denied the application"
			}
			c.Log("manager_approval", "Application denied by manager", durable.LevelWarn)
			return &Result{
				ApplicationID: validated.ApplicationID,
				ApplicantName: validated.ApplicantName,
				Status:        StatusDenied,
				Reason:        reason,
			}, nil
		}
		c.Log("manager_approval", "Manager approved the application", durable.LevelInfo)
	}

	c.Log("fraud_check", "Requesting external fraud check service...", durable.LevelInfo)
	fraud, err := durable.WaitForCallback[FraudResult](c, "fraud-check",
		func(ctx context.Context, callbackID string) error {
			return w.deps.Fraud.RequestFraudCheck(ctx, FraudRequest{
				CallbackID:    callbackID,
				ApplicationID: validated.ApplicationID,
				ApplicantName: validated.ApplicantName,
			})
		}, durable.WithCallbackTimeout(fraudCheckTimeout))
	if err != nil {
		return nil, err
	}
	checkedBy := fraud.CheckedBy
	if checkedBy == "" {
		checkedBy = "external service"
	}
	c.Log("fraud_check", "Fraud check passed: "+checkedBy, durable.LevelInfo)

	c.Log("generating_offer", "Generating loan offer...", durable.LevelInfo)
	offer, err := durable.Step(c, "generate_offer", func(ctx context.Context) (*Offer, error) {
		if err := w.pause(ctx, 2*time.Second); err != nil {
			return nil, err
		}
		return generateOffer(validated, risk, w.deps.Clock()), nil
	})
	if err != nil {
		return nil, err
	}
	c.Log("generating_offer", fmt.Sprintf("Offer %s: $%.2f/mo at %g%%",
		offer.OfferID, offer.MonthlyPayment, offer.AnnualRate), durable.LevelInfo)

	c.Log("disbursing", "Disbursing funds...", durable.LevelInfo)
	disbursement, err := durable.Step(c, "disburse", func(ctx context.Context) (*Disbursement, error) {
		if err := w.pause(ctx, 2*time.Second); err != nil {
			return nil, err
		}
		return disburse(offer, w.deps.Clock()), nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("funds disbursed", "ref", disbursement.DisbursementRef)

	c.Log("complete", "Loan approved and funds disbursed!", durable.LevelInfo)
	return &Result{
		ApplicationID:   validated.ApplicationID,
		ApplicantName:   validated.ApplicantName,
		Status:          StatusApproved,
		OfferID:         offer.OfferID,
		LoanAmount:      offer.LoanAmount,
		AnnualRate:      offer.AnnualRate,
		MonthlyPayment:  offer.MonthlyPayment,
		TermMonths:      offer.TermMonths,
		DisbursementRef: disbursement.DisbursementRef,
	}, nil
}

// dollars formats an amount as whole dollars with thousands separators.
func dollars(v float64) string {
	s := fmt.Sprintf("%.0f", v)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}
