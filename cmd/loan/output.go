package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/durable"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

type statusReport struct {
	*durable.ExecutionView
	Logs []*durable.ProgressEvent `json:"logs"`
}

func printView(w io.Writer, format string, view *durable.ExecutionView, history []*durable.ProgressEvent) error {
	report := statusReport{ExecutionView: view, Logs: history}
	switch format {
	case "json":
		return writeJSON(w, report)
	case "yaml":
		return writeYAML(w, report)
	}

	bold := color.New(color.Bold)
	bold.Fprintf(w, "Application %s\n", view.ExecutionID)
	fmt.Fprintf(w, "  Workflow:    %s v%d\n", view.Workflow, view.Version)
	fmt.Fprintf(w, "  Status:      %s\n", statusColor(view.Status).Sprint(view.Status))
	if view.CurrentStep != "" {
		fmt.Fprintf(w, "  Step:        %s (%s)\n", view.CurrentStep, view.CurrentStepID)
	}
	fmt.Fprintf(w, "  Invocations: %d\n", view.Invocations)
	if cb := view.PendingCallback; cb != nil {
		fmt.Fprintf(w, "  Waiting on:  %s (callback %s", cb.Name, cb.CallbackID)
		if !cb.Deadline.IsZero() {
			fmt.Fprintf(w, ", deadline %s", cb.Deadline.Format(time.RFC3339))
		}
		fmt.Fprintln(w, ")")
	}
	if view.Error != "" {
		color.New(color.FgRed).Fprintf(w, "  Error:       %s\n", view.Error)
	}
	if len(view.Result) > 0 {
		var result map[string]any
		if err := json.Unmarshal(view.Result, &result); err == nil {
			bold.Fprintln(w, "\nResult")
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			for _, key := range slices.Sorted(maps.Keys(result)) {
				fmt.Fprintf(tw, "  %s:\t%v\n", key, result[key])
			}
			tw.Flush()
		}
	}
	if len(history) > 0 {
		bold.Fprintln(w, "\nLog")
		for _, e := range history {
			msg := e.Message
			if e.Replayed {
				msg = "[REPLAY] " + msg
			}
			fmt.Fprintf(w, "  %s  %-16s %s\n",
				e.Timestamp.Format("15:04:05"), e.Step, levelColor(e.Level).Sprint(msg))
		}
	}
	return nil
}

func printSummaries(w io.Writer, format string, summaries []*durable.ExecutionSummary) error {
	switch format {
	case "json":
		return writeJSON(w, summaries)
	case "yaml":
		return writeYAML(w, summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(w, "no applications")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tINVOCATIONS\tSTARTED\tDURATION")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ExecutionID, statusColor(s.Status).Sprint(s.Status),
			s.Invocations, s.StartTime.Format(time.RFC3339), s.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v through its JSON form so field names and raw JSON
// values match the json output.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func statusColor(status durable.ExecutionStatus) *color.Color {
	switch status {
	case durable.ExecutionStatusCompleted:
		return color.New(color.FgGreen)
	case durable.ExecutionStatusFailed:
		return color.New(color.FgRed)
	case durable.ExecutionStatusSuspended:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func levelColor(level durable.ProgressLevel) *color.Color {
	switch level {
	case durable.LevelError:
		return color.New(color.FgRed)
	case durable.LevelWarn:
		return color.New(color.FgYellow)
	case durable.LevelReplay:
		return color.New(color.Faint)
	default:
		return color.New(color.Reset)
	}
}
