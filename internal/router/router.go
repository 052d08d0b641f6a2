// Package router implements the stage router: a pure function from
// (workflow state, event) to (next state, side-effect requests).
//
// The router never performs I/O, never reads the clock (Event.At is the only
// time source) and never mutates its input, so replaying a log of events
// against the same initial state always yields the same result.
package router

import (
	"fmt"
	"time"

	"github.com/petrijr/quill/pkg/api"
)

// Decision is the outcome of routing one event.
type Decision struct {
	State   *api.WorkflowState
	Effects []api.Effect
	Delta   api.StateDelta
}

// Decide applies ev to st. On error st is untouched and no decision is made.
func Decide(st *api.WorkflowState, ev api.Event) (Decision, error) {
	if st == nil {
		return Decision{}, fmt.Errorf("router: nil state")
	}

	if st.Terminal() {
		if ev.Type == api.EventHumanSignal {
			return Decision{}, api.ErrNotAwaitingApproval
		}
		return Decision{}, fmt.Errorf("%w: %s in stage %s", api.ErrTerminal, ev.Type, st.Stage)
	}

	if err := validate(st, ev); err != nil {
		return Decision{}, err
	}

	handler, ok := lookup(st.Stage, ev.Type)
	if !ok {
		switch ev.Type {
		case api.EventHumanSignal:
			return Decision{}, api.ErrNotAwaitingApproval
		case api.EventActivityCompleted, api.EventTimeout:
			return Decision{}, fmt.Errorf("%w: %s in stage %s", api.ErrStaleEvent, ev.Type, st.Stage)
		}
		return Decision{}, fmt.Errorf("%w: %s in stage %s", api.ErrUnexpectedEvent, ev.Type, st.Stage)
	}

	t := begin(st, ev)
	if ev.Type == api.EventActivityCompleted {
		if !t.complete() {
			return t.end(), nil
		}
	}
	handler(t)
	return t.end(), nil
}

// validate rejects events that do not belong to the current dispatch.
func validate(st *api.WorkflowState, ev api.Event) error {
	switch ev.Type {
	case api.EventActivityCompleted:
		c := ev.Activity
		if c == nil {
			return fmt.Errorf("%w: completion without payload", api.ErrUnexpectedEvent)
		}
		p := st.Pending
		if p == nil || p.Epoch != c.Epoch || p.Stage != c.Stage || p.Name != c.Name || st.Stage != c.Stage {
			return fmt.Errorf("%w: %s@%s epoch %d (current stage %s epoch %d)",
				api.ErrStaleEvent, c.Name, c.Stage, c.Epoch, st.Stage, st.Epoch)
		}
	case api.EventTimeout:
		if ev.Timeout == nil {
			return fmt.Errorf("%w: timeout without payload", api.ErrUnexpectedEvent)
		}
		if !st.Flags.AwaitingHuman || ev.Timeout.Epoch != st.Epoch {
			return fmt.Errorf("%w: timeout for epoch %d (current epoch %d)",
				api.ErrStaleEvent, ev.Timeout.Epoch, st.Epoch)
		}
	case api.EventHumanSignal:
		if ev.Signal == nil {
			return fmt.Errorf("%w: signal without payload", api.ErrUnexpectedEvent)
		}
		if !st.Flags.AwaitingHuman {
			return api.ErrNotAwaitingApproval
		}
	}
	return nil
}

// transition accumulates the changes produced by one event.
type transition struct {
	prev    *api.WorkflowState
	next    *api.WorkflowState
	ev      api.Event
	effects []api.Effect
	cause   string
}

func begin(st *api.WorkflowState, ev api.Event) *transition {
	next := st.Clone()
	if next.Artifacts == nil {
		next.Artifacts = map[string]any{}
	}
	next.Seq = st.Seq + 1
	next.UpdatedAt = ev.At
	return &transition{prev: st, next: next, ev: ev}
}

// complete records the bookkeeping shared by all completions. It reports
// false when the activity failed and the workflow has been moved to error.
func (t *transition) complete() bool {
	c := t.ev.Activity
	if c.Attempts > 1 {
		t.next.Metrics.RetryCount += c.Attempts - 1
	}
	t.next.Pending = nil
	if c.Err != nil {
		t.fail("activity_failed:"+c.Name, c.Err.Error())
		return false
	}
	return true
}

func (t *transition) end() Decision {
	delta := api.StateDelta{
		From:   t.prev.Stage,
		To:     t.next.Stage,
		Status: t.next.Status,
		Epoch:  t.next.Epoch,
		Cause:  t.cause,
	}
	t.next.AuditTrail = append(t.next.AuditTrail, api.AuditEntry{
		Seq:   t.next.Seq,
		From:  delta.From,
		To:    delta.To,
		Event: t.ev.Type,
		Cause: t.cause,
		At:    t.ev.At,
	})
	return Decision{State: t.next, Effects: t.effects, Delta: delta}
}

func (t *transition) say(role api.Role, content, model string) {
	if content == "" {
		return
	}
	t.next.Messages = append(t.next.Messages, api.Message{Role: role, Content: content, Model: model})
}

// dispatch moves to stage and requests its activity.
func (t *transition) dispatch(stage api.Stage, cause string) {
	name := activityFor[stage]
	t.next.Stage = stage
	t.next.Status = api.StatusInProgress
	t.next.Epoch++
	t.next.Metrics.ActivityCount++
	t.next.Flags.AwaitingHuman = false
	t.next.Flags.ApprovalDeadline = time.Time{}

	pending := &api.PendingActivity{
		Name:           name,
		Stage:          stage,
		Epoch:          t.next.Epoch,
		IdempotencyKey: IdempotencyKey(t.next.WorkflowID, stage, t.next.Epoch),
		Input:          inputFor(stage, t.next),
	}
	t.next.Pending = pending
	t.setCause(cause)
	t.effects = append(t.effects, api.Effect{
		Type:     api.EffectDispatchActivity,
		Activity: pending,
		Epoch:    pending.Epoch,
	})
}

func (t *transition) finish() {
	t.next.Stage = api.StageDone
	t.next.Status = api.StatusComplete
	t.next.Pending = nil
	t.next.Flags.AwaitingHuman = false
	t.next.Flags.ApprovalDeadline = time.Time{}
	t.effects = append(t.effects, api.Effect{Type: api.EffectTerminate, Status: api.StatusComplete})
}

// fail moves the workflow to status error. The stage is kept so callers can
// see where the run stopped.
func (t *transition) fail(cause, msg string) {
	if p := t.prev.Pending; p != nil && t.ev.Type != api.EventActivityCompleted {
		t.effects = append(t.effects, api.Effect{Type: api.EffectCancelActivity, Activity: p, Epoch: p.Epoch})
	}
	t.next.Status = api.StatusError
	t.next.Pending = nil
	t.next.Flags.AwaitingHuman = false
	t.next.Flags.ApprovalDeadline = time.Time{}
	if msg == "" {
		msg = cause
	}
	t.next.LastError = msg
	t.setCause(cause)
	t.say(api.RoleSystem, "workflow failed: "+msg, "")
	t.effects = append(t.effects, api.Effect{Type: api.EffectTerminate, Status: api.StatusError})
}

func (t *transition) setCause(cause string) {
	if cause != "" && t.cause == "" {
		t.cause = cause
	}
}

// IdempotencyKey is the key shared by every attempt of one dispatch.
func IdempotencyKey(workflowID string, stage api.Stage, epoch int64) string {
	return fmt.Sprintf("%s:%s:%d", workflowID, stage, epoch)
}
