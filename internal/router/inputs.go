package router

import (
	"strconv"

	"github.com/petrijr/quill/pkg/api"
)

// inputFor selects the slice of state an activity is allowed to see.
func inputFor(stage api.Stage, st *api.WorkflowState) map[string]any {
	in := map[string]any{}
	copyArtifact := func(dst, src string) {
		if v, ok := st.Artifacts[src]; ok && v != nil {
			in[dst] = v
		}
	}

	switch stage {
	case api.StageIngestion:
		copyArtifact("notes", "notes")
		copyArtifact("sources", "sources")
		copyArtifact("title", "title")
	case api.StageDrafting:
		copyArtifact("brief", "notes")
		copyArtifact("ingest", "ingest")
		copyArtifact("previous_draft", "draft")
		if st.Flags.HumanNotes != "" {
			in["reviewer_notes"] = st.Flags.HumanNotes
		}
		in["revision"] = st.Metrics.RevisionCount
	case api.StageCritique:
		copyArtifact("brief", "notes")
		copyArtifact("draft", "draft")
	case api.StageCompliance, api.StagePublishing:
		in["document"] = documentOf(st)
		copyArtifact("title", "title")
		copyArtifact("recipient", "recipient")
		if stage == api.StagePublishing {
			copyArtifact("compliance_report", "compliance_report")
		}
	}
	return in
}

// documentOf returns the text the last stages operate on: the current draft
// for the full pipeline, the caller-supplied document for shortcut tasks.
func documentOf(st *api.WorkflowState) string {
	if d := stringOf(st.Artifacts["draft"]); d != "" {
		return d
	}
	return stringOf(st.Artifacts["document"])
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// floatOf accepts the numeric shapes activity outputs take before and after a
// JSON round trip. Anything else counts as zero.
func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func findingsOf(v any) []string {
	switch fs := v.(type) {
	case []string:
		return fs
	case []any:
		out := make([]string, 0, len(fs))
		for _, f := range fs {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
