package loan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/stretchr/testify/require"
)

type recordingFraud struct {
	mu       sync.Mutex
	requests []FraudRequest
}

func (f *recordingFraud) RequestFraudCheck(ctx context.Context, req FraudRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

type recordingApprovals struct {
	requests []ApprovalRequest
}

func (a *recordingApprovals) RequestApproval(ctx context.Context, req ApprovalRequest) error {
	a.requests = append(a.requests, req)
	return nil
}

type harness struct {
	rt        *durable.Runtime
	progress  *durable.MemoryProgressSink
	fraud     *recordingFraud
	approvals *recordingApprovals
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		progress:  durable.NewMemoryProgressSink(),
		fraud:     &recordingFraud{},
		approvals: &recordingApprovals{},
		now:       testNow,
	}
	next := 42
	reg := durable.NewRegistry()
	rt, err := durable.NewRuntime(durable.RuntimeOptions{
		Store:    durable.NewMemoryStore(),
		Registry: reg,
		Progress: h.progress,
		NewCallbackID: func() string {
			id := fmt.Sprintf("cb-%d", next)
			next++
			return id
		},
		Clock: func() time.Time { return h.now },
	})
	require.NoError(t, err)
	require.NoError(t, Register(reg, Deps{
		Fraud:     h.fraud,
		Approvals: h.approvals,
		Clock:     func() time.Time { return h.now },
	}))
	h.rt = rt
	return h
}

func (h *harness) start(t *testing.T, app Application) *durable.Outcome {
	t.Helper()
	out, err := h.rt.StartExecution(context.Background(), durable.StartOptions{
		ExecutionID: app.ApplicationID,
		Workflow:    WorkflowName,
		Input:       app,
	})
	require.NoError(t, err)
	return out
}

func (h *harness) resolve(t *testing.T, callbackID string, value any) *durable.Outcome {
	t.Helper()
	ctx := context.Background()
	res, err := durable.Succeed(value)
	require.NoError(t, err)
	require.NoError(t, h.rt.ResolveCallback(ctx, callbackID, res))
	view, err := h.rt.Status(ctx, "app-1")
	require.NoError(t, err)
	return &durable.Outcome{ExecutionID: view.ExecutionID, Status: view.Status, Result: view.Result, Error: view.Error}
}

func decodeResult(t *testing.T, out *durable.Outcome) *Result {
	t.Helper()
	var result Result
	require.NoError(t, out.Decode(&result))
	return &result
}

func TestLargeLoanWaitsForManagerAndFraudCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.start(t, testApplication("1111", 150000))
	require.Equal(t, durable.ExecutionStatusSuspended, out.Status)
	require.Equal(t, "cb-42", out.CallbackID)
	require.Len(t, h.approvals.requests, 1)
	require.Equal(t, ApprovalRequest{CallbackID: "cb-42", ApplicationID: "app-1", ApplicantName: "Alice", LoanAmount: 150000}, h.approvals.requests[0])
	require.Empty(t, h.fraud.requests)

	view, err := h.rt.Status(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, "manager-approval", view.CurrentStep)
	require.NotNil(t, view.PendingCallback)
	require.Equal(t, testNow.Add(managerApprovalTimeout), view.PendingCallback.Deadline)

	out = h.resolve(t, "cb-42", ManagerDecision{Approved: true})
	require.Equal(t, durable.ExecutionStatusSuspended, out.Status)
	require.Len(t, h.fraud.requests, 1)
	require.Equal(t, FraudRequest{CallbackID: "cb-43", ApplicationID: "app-1", ApplicantName: "Alice"}, h.fraud.requests[0])
	require.Len(t, h.approvals.requests, 1, "approval request must not be sent again on replay")

	out = h.resolve(t, "cb-43", PassedFraudCheck())
	require.Equal(t, durable.ExecutionStatusCompleted, out.Status)
	result := decodeResult(t, out)
	require.Equal(t, StatusApproved, result.Status)
	require.Equal(t, 150000.0, result.LoanAmount)
	require.Equal(t, 60, result.TermMonths)
	require.Regexp(t, `^OFFER-[0-9A-F]{10}$`, result.OfferID)
	require.Equal(t, "DSB-"+result.OfferID[len(result.OfferID)-6:], result.DisbursementRef)
	require.Len(t, h.fraud.requests, 1)

	history, err := h.rt.History(ctx, "app-1")
	require.NoError(t, err)
	completedLogged := false
	replayed := 0
	for _, e := range history {
		if e.Step == "complete" {
			completedLogged = true
		}
		if e.Replayed && e.Step == "validating" {
			replayed++
		}
	}
	require.True(t, completedLogged)
	require.Equal(t, 4, replayed, "two replaying invocations log validating twice each")
}

func TestManagerCanDenyLargeLoan(t *testing.T) {
	h := newHarness(t)

	out := h.start(t, testApplication("1111", 150000))
	require.Equal(t, "cb-42", out.CallbackID)

	out = h.resolve(t, "cb-42", ManagerDecision{Approved: false})
	require.Equal(t, durable.ExecutionStatusCompleted, out.Status)
	result := decodeResult(t, out)
	require.Equal(t, StatusDenied, result.Status)
	require.Equal(t, "Manager denied the application", result.Reason)
	require.Empty(t, h.fraud.requests)
}

func TestSmallLoanSkipsManagerApproval(t *testing.T) {
	h := newHarness(t)

	out := h.start(t, testApplication("3333", 20000))
	require.Equal(t, durable.ExecutionStatusSuspended, out.Status)
	require.Equal(t, "cb-42", out.CallbackID)
	require.Empty(t, h.approvals.requests)
	require.Len(t, h.fraud.requests, 1)

	out = h.resolve(t, "cb-42", PassedFraudCheck())
	require.Equal(t, StatusApproved, decodeResult(t, out).Status)
}

func TestPolicyDenials(t *testing.T) {
	for _, tt := range []struct {
		ssn    string
		amount float64
	}{
		{"2222", 5000},
		{"3333", 30000},
	} {
		t.Run(tt.ssn, func(t *testing.T) {
			h := newHarness(t)
			out := h.start(t, testApplication(tt.ssn, tt.amount))
			require.Equal(t, durable.ExecutionStatusCompleted, out.Status)
			result := decodeResult(t, out)
			require.Equal(t, StatusDenied, result.Status)
			require.Contains(t, result.Reason, "Application denied")
			require.NotEmpty(t, result.RiskTier)
			require.Empty(t, h.fraud.requests)
		})
	}
}

func TestInvalidApplicationFailsExecution(t *testing.T) {
	h := newHarness(t)
	app := testApplication("1111", -5)

	out := h.start(t, app)
	require.Equal(t, durable.ExecutionStatusFailed, out.Status)
	require.Contains(t, out.Error, "loan amount must be positive")

	history, err := h.rt.History(context.Background(), "app-1")
	require.NoError(t, err)
	last := history[len(history)-2]
	require.Equal(t, "error", last.Step)
	require.Equal(t, durable.LevelError, last.Level)
}

func TestFraudCheckTimeoutFailsExecution(t *testing.T) {
	h := newHarness(t)

	out := h.start(t, testApplication("1111", 20000))
	require.Equal(t, durable.ExecutionStatusSuspended, out.Status)

	h.now = h.now.Add(fraudCheckTimeout + time.Second)
	out, err := h.rt.Invoke(context.Background(), "app-1")
	require.NoError(t, err)
	require.Equal(t, durable.ExecutionStatusFailed, out.Status)
	require.True(t, durable.MatchesErrorType(out.Err, durable.ErrorTypeTimeout))
}

func TestSimulatedFraudServiceResumesExecution(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	rt, err := durable.NewRuntime(durable.RuntimeOptions{Store: durable.NewMemoryStore(), Registry: reg})
	require.NoError(t, err)
	fraud := NewSimulatedFraudService(rt, 0, nil)
	require.NoError(t, Register(reg, Deps{Fraud: fraud}))

	out, err := rt.StartExecution(ctx, durable.StartOptions{
		ExecutionID: "app-1",
		Workflow:    WorkflowName,
		Input:       testApplication("1111", 20000),
	})
	require.NoError(t, err)
	require.Equal(t, durable.ExecutionStatusSuspended, out.Status)

	fraud.Wait()
	view, err := rt.Status(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, durable.ExecutionStatusCompleted, view.Status)

	err = fraud.Check(ctx, FraudRequest{CallbackID: out.CallbackID, ApplicationID: "app-1"})
	require.ErrorIs(t, err, durable.ErrCallbackConflict)
}

func TestRegisterRequiresFraudChecker(t *testing.T) {
	require.Error(t, Register(durable.NewRegistry(), Deps{}))
}
