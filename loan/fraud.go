package loan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// CallbackResolver resolves callbacks. *durable.Runtime implements it.
type CallbackResolver interface {
	ResolveCallback(ctx context.Context, callbackID string, res durable.Resolution) error
}

// SimulatedFraudService stands in for an external fraud check API. Each
// request is processed on its own goroutine: after the configured delay the
// callback is resolved with a passing result.
type SimulatedFraudService struct {
	resolver CallbackResolver
	delay    time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

var _ FraudChecker = (*SimulatedFraudService)(nil)

// NewSimulatedFraudService creates a fraud service that resolves callbacks
// through resolver.
func NewSimulatedFraudService(resolver CallbackResolver, delay time.Duration, logger *slog.Logger) *SimulatedFraudService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SimulatedFraudService{resolver: resolver, delay: delay, logger: logger}
}

// RequestFraudCheck accepts a request and returns immediately.
func (s *SimulatedFraudService) RequestFraudCheck(ctx context.Context, req FraudRequest) error {
	s.logger.Info("fraud check started",
		"application_id", req.ApplicationID, "applicant_name", req.ApplicantName, "callback_id", req.CallbackID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(s.delay)
		if err := s.Check(context.Background(), req); err != nil {
			s.logger.Error("fraud check callback failed", "callback_id", req.CallbackID, "error", err)
		}
	}()
	return nil
}

// Check resolves the request's callback with a passing result right away.
func (s *SimulatedFraudService) Check(ctx context.Context, req FraudRequest) error {
	res, err := durable.Succeed(PassedFraudCheck())
	if err != nil {
		return err
	}
	if err := s.resolver.ResolveCallback(ctx, req.CallbackID, res); err != nil {
		return fmt.Errorf("failed to send fraud check result: %w", err)
	}
	s.logger.Info("fraud check passed, callback sent",
		"application_id", req.ApplicationID, "callback_id", req.CallbackID)
	return nil
}

// Wait blocks until every accepted request has been processed.
func (s *SimulatedFraudService) Wait() {
	s.wg.Wait()
}

// PassedFraudCheck is the result the simulated service reports.
func PassedFraudCheck() FraudResult {
	return FraudResult{FraudCheck: "passed", RiskIndicators: 0, CheckedBy: "FraudCheckService-v2"}
}
