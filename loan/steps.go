package loan

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// Bureaus are queried in this order; results keep it.
var Bureaus = []string{"equifax", "transunion", "experian"}

const (
	termMonths          = 60
	managerApprovalFrom = 100000.0
)

func validateApplication(app Application, now time.Time) (*ValidatedApplication, error) {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"application_id", app.ApplicationID},
		{"applicant_name", app.ApplicantName},
		{"ssn_last4", app.SSNLast4},
		{"loan_purpose", app.LoanPurpose},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, durable.NewStepError(durable.ErrorTypePermanent,
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	if app.LoanAmount <= 0 {
		return nil, durable.NewStepError(durable.ErrorTypePermanent, "loan amount must be positive")
	}
	if app.AnnualIncome <= 0 {
		return nil, durable.NewStepError(durable.ErrorTypePermanent, "annual income must be positive")
	}
	dti := (app.LoanAmount * 0.05) / (app.AnnualIncome / 12)
	return &ValidatedApplication{
		ApplicationID: app.ApplicationID,
		ApplicantName: app.ApplicantName,
		SSNLast4:      app.SSNLast4,
		AnnualIncome:  app.AnnualIncome,
		LoanAmount:    app.LoanAmount,
		LoanPurpose:   app.LoanPurpose,
		EstimatedDTI:  round(dti, 2),
		Status:        "validated",
		ValidatedAt:   now,
	}, nil
}

// pullCreditReport simulates a bureau. The report is a pure function of the
// bureau and the SSN digits.
func pullCreditReport(bureau, ssnLast4 string, now time.Time) *CreditReport {
	sum := md5.Sum([]byte(bureau + "-" + ssnLast4))
	seed := uint64(binary.BigEndian.Uint32(sum[:4]))
	rng := rand.New(rand.NewPCG(seed, seed))
	score := 580 + rng.IntN(241)
	return &CreditReport{
		Bureau:          bureau,
		Score:           score,
		ReportID:        fmt.Sprintf("%s-%s-%d", strings.ToUpper(bureau[:3]), ssnLast4, score),
		DerogatoryMarks: rng.IntN(4),
		OpenAccounts:    2 + rng.IntN(14),
		PulledAt:        now,
	}
}

// riskTier maps an average score and the derogatory marks to a tier and
// its base rate.
func riskTier(averageScore float64, derogatory int) (string, float64) {
	switch {
	case averageScore >= 740 && derogatory == 0:
		return "prime", 5.25
	case averageScore >= 670:
		return "near-prime", 7.50
	case averageScore >= 580:
		return "subprime", 11.00
	default:
		return "deep-subprime", 15.00
	}
}

func aggregateReports(reports []*CreditReport) *RiskAssessment {
	risk := &RiskAssessment{MinScore: math.MaxInt}
	total := 0
	for _, r := range reports {
		total += r.Score
		risk.MinScore = min(risk.MinScore, r.Score)
		risk.MaxScore = max(risk.MaxScore, r.Score)
		risk.TotalDerogatoryMarks += r.DerogatoryMarks
	}
	if len(reports) == 0 {
		risk.MinScore = 0
		return risk
	}
	avg := float64(total) / float64(len(reports))
	risk.AverageScore = round(avg, 1)
	risk.RiskTier, risk.BaseRate = riskTier(avg, risk.TotalDerogatoryMarks)
	return risk
}

func generateOffer(app *ValidatedApplication, risk *RiskAssessment, now time.Time) *Offer {
	rate := risk.BaseRate
	monthly := rate / 100 / 12
	var payment float64
	if monthly > 0 {
		growth := math.Pow(1+monthly, termMonths)
		payment = app.LoanAmount * (monthly * growth) / (growth - 1)
	} else {
		payment = app.LoanAmount / termMonths
	}
	return &Offer{
		OfferID:        offerID(app.ApplicationID, rate),
		ApplicationID:  app.ApplicationID,
		LoanAmount:     app.LoanAmount,
		AnnualRate:     rate,
		TermMonths:     termMonths,
		MonthlyPayment: round(payment, 2),
		TotalInterest:  round(payment*termMonths-app.LoanAmount, 2),
		Status:         "offer_generated",
		GeneratedAt:    now,
	}
}

func offerID(applicationID string, rate float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("offer-%s-%s", applicationID, formatRate(rate))))
	return "OFFER-" + strings.ToUpper(hex.EncodeToString(sum[:])[:10])
}

// formatRate renders rates the way the offer ids were historically keyed:
// always with a fractional part, so 11 becomes "11.0".
func formatRate(rate float64) string {
	s := fmt.Sprintf("%g", rate)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func disburse(offer *Offer, now time.Time) *Disbursement {
	ref := offer.OfferID
	if len(ref) > 6 {
		ref = ref[len(ref)-6:]
	}
	return &Disbursement{
		OfferID:         offer.OfferID,
		DisbursementRef: "DSB-" + ref,
		AmountDisbursed: offer.LoanAmount,
		Status:          "funded",
		FundedAt:        now,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
