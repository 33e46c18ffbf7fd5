package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// memberOutcome is the terminal state of one group member in this
// invocation.
type memberOutcome struct {
	rec       *StepRecord // committed or replayed record, nil on transient failure
	transient *StepError
}

// Parallel runs every branch concurrently at one position and returns the
// results in branch order. Each member is checkpointed on its own, so a
// replay re-runs only members without a record. Siblings are never
// cancelled: the call returns once every member reached a terminal state.
//
// The group record is written once every member succeeded or at least one
// failed permanently and none failed transiently. Failures are returned as
// a *GroupError.
func Parallel[T any](c *Context, name string, branches ...func(ctx context.Context) (T, error)) ([]T, error) {
	groupID, err := c.next(name)
	if err != nil {
		return nil, err
	}
	rec, err := c.rt.store.GetStep(c.ctx, c.record.ID, groupID)
	if err != nil {
		return nil, c.abort(newRuntimeError("load group "+groupID, err))
	}
	if rec != nil {
		return replayGroup[T](c, rec, name, len(branches))
	}
	if err := checkVacant(c, groupID, name, StepKindParallel); err != nil {
		return nil, err
	}

	outcomes := make([]memberOutcome, len(branches))
	var g errgroup.Group
	if c.rt.maxParallelism > 0 {
		g.SetLimit(c.rt.maxParallelism)
	}
	for i, branch := range branches {
		g.Go(func() error {
			out, err := runMember(c, memberID(groupID, i), memberName(name, i), branch)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	members := make([]string, len(branches))
	for i := range branches {
		members[i] = memberID(groupID, i)
	}
	groupErr := &GroupError{GroupID: groupID, Name: name}
	results := make([]json.RawMessage, len(branches))
	for i, out := range outcomes {
		switch {
		case out.transient != nil:
			groupErr.Transient = true
			groupErr.Failures = append(groupErr.Failures, MemberFailure{Index: i, StepID: members[i], Err: out.transient})
		case out.rec.Failed():
			groupErr.Failures = append(groupErr.Failures, MemberFailure{Index: i, StepID: members[i], Err: out.rec.Error.StepError(members[i])})
		default:
			results[i] = out.rec.Result
		}
	}
	if groupErr.Transient {
		c.emit(&ProgressEvent{StepID: groupID, Step: name, Level: LevelWarn, Status: "retryable",
			Message: "parallel group incomplete, members will be retried"})
		return nil, groupErr
	}

	c.live()
	rec = &StepRecord{
		ExecutionID: c.record.ID,
		StepID:      groupID,
		Name:        name,
		Kind:        StepKindParallel,
		Members:     members,
		CompletedAt: c.now(),
	}
	if len(groupErr.Failures) > 0 {
		rec.Error = &ErrorRecord{Type: ErrorTypeGroup, Cause: groupErr.Error(), Details: failedIndexes(groupErr)}
	} else if rec.Result, err = json.Marshal(results); err != nil {
		return nil, c.abort(newRuntimeError("encode group "+groupID, err))
	}
	committed, err := commitStep(c, rec)
	if err != nil {
		return nil, err
	}
	emitCommitted(c, committed)
	return decodeGroup[T](c, committed)
}

// runMember resolves one member: a recorded member is reused, otherwise the
// branch runs and its outcome is checkpointed unless it was transient. The
// returned error is reserved for runtime failures.
func runMember[T any](c *Context, stepID, name string, branch func(ctx context.Context) (T, error)) (memberOutcome, error) {
	rec, err := c.rt.store.GetStep(c.ctx, c.record.ID, stepID)
	if err != nil {
		return memberOutcome{}, c.abort(newRuntimeError("load member "+stepID, err))
	}
	if rec != nil {
		if rec.Name != name || rec.Kind != StepKindMember {
			return memberOutcome{}, c.mismatch(stepID, name, StepKindMember, rec.Name, rec.Kind)
		}
		c.emit(&ProgressEvent{StepID: stepID, Step: name, Level: LevelReplay, Replayed: true,
			Status: recordStatus(rec), Message: "replayed from checkpoint"})
		return memberOutcome{rec: rec}, nil
	}

	c.live()
	value, workErr := runWork(c.stepContext(stepID, name), branch, stepOptions{})
	if workErr != nil && c.ctx.Err() != nil {
		return memberOutcome{}, c.abort(newRuntimeError("run member "+stepID, c.ctx.Err()))
	}
	rec = &StepRecord{ExecutionID: c.record.ID, StepID: stepID, Name: name, Kind: StepKindMember}
	if workErr != nil {
		stepErr := ClassifyError(workErr)
		stepErr.StepID = stepID
		if stepErr.Type == ErrorTypeTransient {
			return memberOutcome{transient: stepErr}, nil
		}
		rec.Error = stepErr.Record()
	} else if rec.Result, err = json.Marshal(value); err != nil {
		return memberOutcome{}, c.abort(newRuntimeError("encode member "+stepID, err))
	}
	rec.CompletedAt = c.now()
	committed, err := commitStep(c, rec)
	if err != nil {
		return memberOutcome{}, err
	}
	emitCommitted(c, committed)
	return memberOutcome{rec: committed}, nil
}

// replayGroup serves a recorded group. A failed group is rebuilt from its
// member records so callers see the same *GroupError as on the first run.
func replayGroup[T any](c *Context, rec *StepRecord, name string, size int) ([]T, error) {
	if rec.Name != name || rec.Kind != StepKindParallel {
		return nil, c.mismatch(rec.StepID, name, StepKindParallel, rec.Name, rec.Kind)
	}
	if len(rec.Members) != size {
		return nil, c.mismatch(rec.StepID, fmt.Sprintf("%s (%d members)", name, size), StepKindParallel,
			fmt.Sprintf("%s (%d members)", rec.Name, len(rec.Members)), rec.Kind)
	}
	c.emit(&ProgressEvent{StepID: rec.StepID, Step: name, Level: LevelReplay, Replayed: true,
		Status: recordStatus(rec), Message: "replayed from checkpoint"})
	return decodeGroup[T](c, rec)
}

func decodeGroup[T any](c *Context, rec *StepRecord) ([]T, error) {
	if rec.Error != nil {
		groupErr := &GroupError{GroupID: rec.StepID, Name: rec.Name}
		for i, id := range rec.Members {
			member, err := c.rt.store.GetStep(c.ctx, rec.ExecutionID, id)
			if err != nil {
				return nil, c.abort(newRuntimeError("load member "+id, err))
			}
			if member != nil && member.Error != nil {
				groupErr.Failures = append(groupErr.Failures, MemberFailure{Index: i, StepID: id, Err: member.Error.StepError(id)})
			}
		}
		return nil, groupErr
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(rec.Result, &raw); err != nil {
		return nil, c.abort(newRuntimeError("decode group "+rec.StepID, err))
	}
	results := make([]T, len(raw))
	for i, item := range raw {
		if err := json.Unmarshal(item, &results[i]); err != nil {
			return nil, c.abort(newRuntimeError("decode group "+rec.StepID, errors.Join(fmt.Errorf("member %d", i), err)))
		}
	}
	return results, nil
}

func memberID(groupID string, index int) string {
	return fmt.Sprintf("%s.%d", groupID, index)
}

func memberName(group string, index int) string {
	return fmt.Sprintf("%s[%d]", group, index)
}

func failedIndexes(err *GroupError) []int {
	out := make([]int, 0, len(err.Failures))
	for _, f := range err.Failures {
		out = append(out, f.Index)
	}
	return out
}
