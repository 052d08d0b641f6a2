package router

import (
	"fmt"

	"github.com/petrijr/quill/pkg/api"
)

type handler func(t *transition)

type key struct {
	stage api.Stage
	event api.EventType
}

// table is the complete transition table. Cancellation is accepted in every
// non-terminal stage and is resolved in lookup.
var table = map[key]handler{
	{api.StageRoute, api.EventStartRequested}:         onStart,
	{api.StageIngestion, api.EventActivityCompleted}:  onIngested,
	{api.StageDrafting, api.EventActivityCompleted}:   onDrafted,
	{api.StageCritique, api.EventActivityCompleted}:   onCritiqued,
	{api.StageRevision, api.EventHumanSignal}:         onSignal,
	{api.StageRevision, api.EventTimeout}:             onGateTimeout,
	{api.StageCompliance, api.EventActivityCompleted}: onComplianceChecked,
	{api.StagePublishing, api.EventActivityCompleted}: onPublished,
}

// activityFor maps every stage that runs an activity to the activity name.
var activityFor = map[api.Stage]string{
	api.StageIngestion:  api.ActivityIngest,
	api.StageDrafting:   api.ActivityDraft,
	api.StageCritique:   api.ActivityCritique,
	api.StageCompliance: api.ActivityCompliance,
	api.StagePublishing: api.ActivityPublish,
}

// entryStage is where each task enters the pipeline.
var entryStage = map[api.Task]api.Stage{
	api.TaskFullPipeline:   api.StageIngestion,
	api.TaskIngestOnly:     api.StageIngestion,
	api.TaskComplianceOnly: api.StageCompliance,
	api.TaskPublishOnly:    api.StagePublishing,
}

func lookup(stage api.Stage, ev api.EventType) (handler, bool) {
	if ev == api.EventCancelRequested {
		return onCancel, true
	}
	h, ok := table[key{stage, ev}]
	return h, ok
}

// Transitions lists the (stage, event) pairs the router accepts, not counting
// cancellation. It is exported for documentation and tests.
func Transitions() map[api.Stage][]api.EventType {
	out := make(map[api.Stage][]api.EventType)
	for k := range table {
		out[k.stage] = append(out[k.stage], k.event)
	}
	return out
}

func onStart(t *transition) {
	if notes, ok := t.next.Artifacts["notes"].(string); ok {
		t.say(api.RoleHuman, notes, "")
	}
	stage, ok := entryStage[t.next.Task]
	if !ok {
		t.fail("invalid_task", fmt.Sprintf("unsupported task %q", t.next.Task))
		return
	}
	t.dispatch(stage, "")
}

func onIngested(t *transition) {
	t.next.Artifacts["ingest"] = t.ev.Activity.Output
	if t.next.Task == api.TaskIngestOnly {
		t.finish()
		return
	}
	t.dispatch(api.StageDrafting, "")
}

func onDrafted(t *transition) {
	out := t.ev.Activity.Output
	text := stringOf(out["text"])
	model := stringOf(out["model"])

	t.next.Metrics.DraftCount++
	t.next.Artifacts["draft"] = text
	t.next.Artifacts[fmt.Sprintf("draft.v%d", t.next.Metrics.DraftCount)] = text
	t.say(api.RoleAssistant, text, model)

	t.dispatch(api.StageCritique, "")
}

func onCritiqued(t *transition) {
	out := t.ev.Activity.Output
	t.next.Artifacts["critique"] = out
	t.say(api.RoleAssistant, stringOf(out["feedback"]), stringOf(out["model"]))

	quality := floatOf(out["quality"])
	needsChanges := stringOf(out["verdict"]) == "needs_changes" || quality < t.next.Policy.QualityThreshold
	if !needsChanges {
		t.dispatch(api.StageCompliance, "accepted")
		return
	}
	if !budgetLeft(t.next) {
		forceCompliance(t)
		return
	}
	enterGate(t, stringOf(out["feedback"]), "needs_changes")
}

func onComplianceChecked(t *transition) {
	out := t.ev.Activity.Output
	t.next.Artifacts["compliance_report"] = out
	passed, _ := out["passed"].(bool)

	switch {
	case t.next.Task == api.TaskComplianceOnly:
		t.finish()
	case passed:
		t.dispatch(api.StagePublishing, "")
	default:
		complianceFailed(t, findingsOf(out["findings"]))
	}
}

func onPublished(t *transition) {
	t.next.Artifacts["final_document"] = t.ev.Activity.Output
	t.finish()
}

func onCancel(t *transition) {
	reason := "cancelled"
	if t.ev.Cancel != nil && t.ev.Cancel.Reason != "" {
		reason = t.ev.Cancel.Reason
	}
	t.fail("cancelled", reason)
}
