package router

import (
	"strings"

	"github.com/petrijr/quill/pkg/api"
)

// CauseBudgetExhausted marks transitions forced by the revision budget.
const CauseBudgetExhausted = "budget_exhausted"

func budgetLeft(st *api.WorkflowState) bool {
	return st.Metrics.RevisionCount < st.Policy.RevisionBudget
}

// loopBack consumes one revision and sends the workflow back to drafting.
// The reviewer input is what the gate was entered with (critique feedback or
// compliance findings) followed by notes. Once the budget is spent the
// workflow moves on to compliance instead, whatever the last critique said.
func loopBack(t *transition, notes, cause string) {
	t.next.Metrics.RevisionCount++
	t.next.Flags.HumanNotes = joinNotes(t.next.Flags.HumanNotes, notes)
	if !budgetLeft(t.next) {
		forceCompliance(t)
		return
	}
	t.dispatch(api.StageDrafting, cause)
}

func forceCompliance(t *transition) {
	t.say(api.RoleSystem, "revision budget exhausted, continuing to compliance", "")
	t.dispatch(api.StageCompliance, CauseBudgetExhausted)
}

// complianceFailed sends a failed check back to the revision gate. Each
// failure consumes one revision, so the compliance/revision cycle is bounded
// by the same budget as the drafting loop.
func complianceFailed(t *transition, findings []string) {
	notes := "compliance findings: " + strings.Join(findings, "; ")
	if !budgetLeft(t.next) {
		t.fail(CauseBudgetExhausted, notes)
		return
	}
	t.next.Metrics.RevisionCount++
	if !budgetLeft(t.next) {
		t.fail(CauseBudgetExhausted, notes)
		return
	}
	t.say(api.RoleSystem, notes, "")
	enterGate(t, notes, causeComplianceFailed)
}

func joinNotes(gate, reviewer string) string {
	switch {
	case gate == "":
		return reviewer
	case reviewer == "":
		return gate
	}
	return gate + "\n" + reviewer
}
