package router

import (
	"time"

	"github.com/petrijr/quill/pkg/api"
)

// enterGate parks the workflow in the revision stage until a human signal or
// the approval timeout arrives. No activity is dispatched while parked.
func enterGate(t *transition, notes, cause string) {
	t.next.Stage = api.StageRevision
	t.next.Status = api.StatusInProgress
	t.next.Epoch++
	t.next.Pending = nil
	t.next.Flags.AwaitingHuman = true
	t.next.Flags.HumanNotes = notes
	t.next.Flags.ApprovalDeadline = time.Time{}
	if d := t.next.Policy.ApprovalTimeout; d > 0 {
		t.next.Flags.ApprovalDeadline = t.ev.At.Add(d)
	}
	t.setCause(cause)
	t.effects = append(t.effects, api.Effect{
		Type:     api.EffectAwaitSignal,
		Deadline: t.next.Flags.ApprovalDeadline,
		Epoch:    t.next.Epoch,
	})
}

const (
	causeComplianceFailed   = "compliance_failed"
	causeComplianceOverride = "compliance_override"
)

// complianceGate reports whether the workflow was parked because the
// compliance check failed. The gate entry is always the last audit entry
// while parked.
func complianceGate(t *transition) bool {
	return t.prev.Cause() == causeComplianceFailed
}

func onSignal(t *transition) {
	sig := t.ev.Signal
	if sig.Approved {
		t.say(api.RoleHuman, prefixed("approved", sig.Notes), "")
		approve(t, "approved")
		return
	}
	t.say(api.RoleHuman, prefixed("changes requested", sig.Notes), "")
	loopBack(t, sig.Notes, "rejected")
}

func onGateTimeout(t *transition) {
	reason := t.ev.Timeout.Reason
	if reason == "" {
		reason = "approval timed out"
	}

	switch t.next.Policy.TimeoutPolicy {
	case api.TimeoutPolicyAutoApprove:
		if complianceGate(t) {
			t.fail("approval_timeout", reason+"; failed compliance check needs a human decision")
			return
		}
		if risk(t.next) <= t.next.Policy.MaxAutoApproveRisk {
			t.say(api.RoleSystem, "auto-approved: "+reason, "")
			approve(t, "auto_approved")
			return
		}
		t.fail("approval_timeout", reason)
	case api.TimeoutPolicyAutoReject:
		t.say(api.RoleSystem, "auto-rejected: "+reason, "")
		loopBack(t, reason, "auto_rejected")
	default:
		t.fail("approval_timeout", reason)
	}
}

// approve leaves the gate towards compliance. A human approving the findings
// of a failed compliance check overrides it: the unchanged draft would fail
// the same rules again, so it goes straight to publishing.
func approve(t *transition, cause string) {
	t.next.Flags.AwaitingHuman = false
	if complianceGate(t) {
		t.say(api.RoleSystem, "compliance findings overridden by reviewer", "")
		t.next.Artifacts["compliance_override"] = true
		t.dispatch(api.StagePublishing, causeComplianceOverride)
		return
	}
	t.dispatch(api.StageCompliance, cause)
}

// risk is the complement of the last critique's quality score.
func risk(st *api.WorkflowState) float64 {
	critique, _ := st.Artifacts["critique"].(map[string]any)
	return 1 - floatOf(critique["quality"])
}

func prefixed(prefix, notes string) string {
	if notes == "" {
		return prefix
	}
	return prefix + ": " + notes
}
