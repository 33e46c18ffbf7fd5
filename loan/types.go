package loan

import "time"

// Application is the workflow input.
type Application struct {
	ApplicationID string  `json:"application_id"`
	ApplicantName string  `json:"applicant_name"`
	SSNLast4      string  `json:"ssn_last4"`
	AnnualIncome  float64 `json:"annual_income"`
	LoanAmount    float64 `json:"loan_amount"`
	LoanPurpose   string  `json:"loan_purpose"`
	Address       string  `json:"address,omitempty"`
	Phone         string  `json:"phone,omitempty"`
}

// ValidatedApplication is the checkpointed output of the validate step.
type ValidatedApplication struct {
	ApplicationID string    `json:"application_id"`
	ApplicantName string    `json:"applicant_name"`
	SSNLast4      string    `json:"ssn_last4"`
	AnnualIncome  float64   `json:"annual_income"`
	LoanAmount    float64   `json:"loan_amount"`
	LoanPurpose   string    `json:"loan_purpose"`
	EstimatedDTI  float64   `json:"estimated_dti"`
	Status        string    `json:"status"`
	ValidatedAt   time.Time `json:"validated_at"`
}

// CreditReport is one bureau's report.
type CreditReport struct {
	Bureau          string    `json:"bureau"`
	Score           int       `json:"score"`
	ReportID        string    `json:"report_id"`
	DerogatoryMarks int       `json:"derogatory_marks"`
	OpenAccounts    int       `json:"open_accounts"`
	PulledAt        time.Time `json:"pulled_at"`
}

// RiskAssessment aggregates the bureau reports into a tier and a decision.
type RiskAssessment struct {
	AverageScore         float64 `json:"average_score"`
	MinScore             int     `json:"min_score"`
	MaxScore             int     `json:"max_score"`
	TotalDerogatoryMarks int     `json:"total_derogatory_marks"`
	RiskTier             string  `json:"risk_tier"`
	BaseRate             float64 `json:"base_rate"`
	Decision             string  `json:"decision"`
	Reason               string  `json:"reason,omitempty"`
	Rule                 string  `json:"rule,omitempty"`
}

// ManagerDecision is the value a manager resolves the approval callback with.
type ManagerDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// FraudResult is the value the fraud service resolves its callback with.
type FraudResult struct {
	FraudCheck     string `json:"fraud_check"`
	RiskIndicators int    `json:"risk_indicators"`
	CheckedBy      string `json:"checked_by"`
}

// Offer is the generated loan offer.
type Offer struct {
	OfferID        string    `json:"offer_id"`
	ApplicationID  string    `json:"application_id"`
	LoanAmount     float64   `json:"loan_amount"`
	AnnualRate     float64   `json:"annual_rate"`
	TermMonths     int       `json:"term_months"`
	MonthlyPayment float64   `json:"monthly_payment"`
	TotalInterest  float64   `json:"total_interest"`
	Status         string    `json:"status"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Disbursement records the funding of an offer.
type Disbursement struct {
	OfferID         string    `json:"offer_id"`
	DisbursementRef string    `json:"disbursement_ref"`
	AmountDisbursed float64   `json:"amount_disbursed"`
	Status          string    `json:"status"`
	FundedAt        time.Time `json:"funded_at"`
}

const (
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Result is the workflow output.
type Result struct {
	ApplicationID   string  `json:"application_id"`
	ApplicantName   string  `json:"applicant_name"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason,omitempty"`
	RiskTier        string  `json:"risk_tier,omitempty"`
	AverageScore    float64 `json:"average_score,omitempty"`
	OfferID         string  `json:"offer_id,omitempty"`
	LoanAmount      float64 `json:"loan_amount,omitempty"`
	AnnualRate      float64 `json:"annual_rate,omitempty"`
	MonthlyPayment  float64 `json:"monthly_payment,omitempty"`
	TermMonths      int     `json:"term_months,omitempty"`
	DisbursementRef string  `json:"disbursement_ref,omitempty"`
}
