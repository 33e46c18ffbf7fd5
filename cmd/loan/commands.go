package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/loan"
	"github.com/deepnoodle-ai/durable/worker"
	"github.com/spf13/cobra"
)

type runFunc func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error

// withApp resolves the configuration, wires the runtime and hands it to fn.
func withApp(configFile *string, fn runFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, *configFile)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a, args)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:   "loan",
		Short: "Run durable loan approval workflows",
		Long: `loan submits loan applications to a durable workflow and drives them
through credit checks, manager approval and an external fraud check.

Examples:
  # Submit an application that needs manager approval
  loan apply --name Alice --sin 1111 --amount 150000

  # Approve it and watch it finish
  loan approve LOAN-1767225600-X7Q2

  # Inspect progress
  loan status LOAN-1767225600-X7Q2
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.String("store", "file", "Store backend: file, sqlite, postgres or redis")
	flags.String("data-dir", defaultDataDir(), "Directory for the file store, sqlite database and progress logs")
	flags.String("dsn", "", "Connection string for postgres or redis, or a sqlite path")
	flags.StringP("output", "o", "text", "Output format: text, json or yaml")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.Duration("fraud-delay", 2*time.Second, "Processing time of the simulated fraud service")
	flags.Bool("manual-fraud", false, "Leave fraud checks pending until resolved with the fraud-check command")
	flags.Bool("step-delay", false, "Pause inside each step to simulate external latency")

	root.AddCommand(
		newApplyCmd(&configFile),
		newStatusCmd(&configFile),
		newApproveCmd(&configFile),
		newFraudCheckCmd(&configFile),
		newResumeCmd(&configFile),
		newListCmd(&configFile),
		newRetireCmd(&configFile),
	)
	return root
}

func newApplyCmd(configFile *string) *cobra.Command {
	var application loan.Application
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Submit a loan application",
		RunE: withApp(configFile, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if application.ApplicationID == "" {
				application.ApplicationID = newApplicationID(time.Now())
			}
			out, err := a.runtime.StartExecution(ctx, durable.StartOptions{
				ExecutionID: application.ApplicationID,
				Workflow:    loan.WorkflowName,
				Input:       application,
			})
			if err != nil {
				return err
			}
			a.fraud.Wait()
			return printStatus(ctx, cmd, a, out.ExecutionID)
		}),
	}
	cmd.Flags().StringVar(&application.ApplicationID, "id", "", "Application id (generated when empty)")
	cmd.Flags().StringVar(&application.ApplicantName, "name", "", "Applicant name")
	cmd.Flags().StringVar(&application.SSNLast4, "sin", "", "Last four digits of the applicant's SIN")
	cmd.Flags().Float64Var(&application.LoanAmount, "amount", 0, "Requested loan amount")
	cmd.Flags().Float64Var(&application.AnnualIncome, "income", 85000, "Annual income")
	cmd.Flags().StringVar(&application.LoanPurpose, "purpose", "personal_loan", "Loan purpose")
	cmd.Flags().StringVar(&application.Address, "address", "", "Applicant address")
	cmd.Flags().StringVar(&application.Phone, "phone", "", "Applicant phone")
	for _, name := range []string{"name", "sin", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newStatusCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <application-id>",
		Short: "Show the progress of an application",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configFile, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			return printStatus(ctx, cmd, a, args[0])
		}),
	}
}

func newApproveCmd(configFile *string) *cobra.Command {
	var deny bool
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <application-id>",
		Short: "Record the manager decision for an application",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configFile, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			cb, err := pendingCallback(ctx, a, args[0], "manager-approval")
			if err != nil {
				return err
			}
			decision := loan.ManagerDecision{Approved: !deny}
			if deny {
				decision.Reason = reason
			}
			res, err := durable.Succeed(decision)
			if err != nil {
				return err
			}
			if err := a.runtime.ResolveCallback(ctx, cb.CallbackID, res); err != nil {
				return err
			}
			a.fraud.Wait()
			return printStatus(ctx, cmd, a, args[0])
		}),
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny the application")
	cmd.Flags().StringVar(&reason, "reason", "Manager denied the application", "Reason recorded with a denial")
	return cmd
}

func newFraudCheckCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fraud-check <application-id>",
		Short: "Complete a pending fraud check with a passing result",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configFile, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			cb, err := pendingCallback(ctx, a, args[0], "fraud-check")
			if err != nil {
				return err
			}
			if err := a.fraud.Check(ctx, loan.FraudRequest{CallbackID: cb.CallbackID, ApplicationID: args[0]}); err != nil {
				return err
			}
			return printStatus(ctx, cmd, a, args[0])
		}),
	}
}

func newResumeCmd(configFile *string) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "resume [application-id...]",
		Short: "Re-drive applications, for example after a crash or an expired callback",
		RunE: withApp(configFile, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			ids := slices.Clone(args)
			if all {
				summaries, err := a.runtime.List(ctx)
				if err != nil {
					return err
				}
				for _, s := range summaries {
					if !s.Status.Terminal() {
						ids = append(ids, s.ExecutionID)
					}
				}
			}
			slices.Sort(ids)
			ids = slices.Compact(ids)
			if len(ids) == 0 {
				return errors.New("no applications to resume")
			}
			if err := resumeAll(ctx, a, ids); err != nil {
				return err
			}
			a.fraud.Wait()
			for _, id := range ids {
				if err := printStatus(ctx, cmd, a, id); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "Resume every application that has not finished")
	cmd.Flags().Int("workers", 4, "Number of applications resumed concurrently")
	return cmd
}

// resumeAll invokes every id once on a worker pool and waits for all of
// them to finish.
func resumeAll(ctx context.Context, a *app, ids []string) error {
	done := make(chan error, len(ids))
	pool := worker.NewPool(a.runtime, a.logger,
		worker.WithPoolConcurrency(a.cfg.Workers),
		worker.WithQueueSize(len(ids)),
		worker.WithRetry(0, 0),
		worker.WithOutcomeHook(func(id string, _ *durable.Outcome, err error) {
			if err != nil {
				err = fmt.Errorf("%s: %w", id, err)
			}
			done <- err
		}))
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop(context.Background())

	for _, id := range ids {
		if err := pool.Resume(ctx, id); err != nil {
			return err
		}
	}
	var errs []error
	for range ids {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func newListCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List applications, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(configFile, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			summaries, err := a.runtime.List(ctx)
			if err != nil {
				return err
			}
			return printSummaries(cmd.OutOrStdout(), a.cfg.Output, summaries)
		}),
	}
}

func newRetireCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retire <application-id>",
		Short: "Delete a finished application and its records",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(configFile, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.runtime.Retire(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", args[0])
			return nil
		}),
	}
}

// pendingCallback returns the callback an application waits on, checking it
// is the expected one.
func pendingCallback(ctx context.Context, a *app, id, name string) (*durable.CallbackRecord, error) {
	view, err := a.runtime.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if view.PendingCallback == nil {
		return nil, fmt.Errorf("application %s is %s and not waiting for a callback", id, view.Status)
	}
	if view.PendingCallback.Name != name {
		return nil, fmt.Errorf("application %s is waiting for %s, not %s", id, view.PendingCallback.Name, name)
	}
	return view.PendingCallback, nil
}

func printStatus(ctx context.Context, cmd *cobra.Command, a *app, id string) error {
	view, err := a.runtime.Status(ctx, id)
	if err != nil {
		return err
	}
	history, err := a.runtime.History(ctx, id)
	if err != nil {
		return err
	}
	return printView(cmd.OutOrStdout(), a.cfg.Output, view, history)
}
