package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/quill/internal/activity"
	"github.com/petrijr/quill/pkg/api"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func req(stage api.Stage, name string, input map[string]any) api.ActivityRequest {
	return api.ActivityRequest{
		WorkflowID:     "wf-1",
		Name:           name,
		Stage:          stage,
		Epoch:          4,
		IdempotencyKey: "wf-1:" + string(stage) + ":4",
		Attempt:        1,
		Input:          input,
	}
}

func TestIngest(t *testing.T) {
	docs := NewMemoryDocumentStore()
	s := New(Config{Documents: docs})

	out, err := s.Ingest(context.Background(), req(api.StageIngestion, api.ActivityIngest, map[string]any{
		"notes":   "Quarterly results beat expectations.",
		"sources": []any{"https://example.com/q3", ""},
		"title":   "Q3",
	}))
	require.NoError(t, err)
	require.Equal(t, "Quarterly results beat expectations.", out["summary"])
	require.Equal(t, 1, out["source_count"])

	doc, ok := docs.Get(out["document_key"].(string))
	require.True(t, ok)
	require.Contains(t, string(doc.Body), "https://example.com/q3")
	require.Equal(t, "Q3", doc.Metadata["title"])

	_, err = s.Ingest(context.Background(), req(api.StageIngestion, api.ActivityIngest, map[string]any{}))
	require.Error(t, err)
	require.False(t, api.IsTransient(err))
}

func TestDraftAndCritiqueWithTemplateGenerator(t *testing.T) {
	s := New(Config{Generator: TemplateGenerator{TargetWords: 12}})
	ctx := context.Background()

	out, err := s.Draft(ctx, req(api.StageDrafting, api.ActivityDraft, map[string]any{
		"brief": "Announce the new release",
		"title": "Release",
	}))
	require.NoError(t, err)
	first := out["text"].(string)
	require.Equal(t, "# Release\n\nAnnounce the new release", first)

	crit, err := s.Critique(ctx, req(api.StageCritique, api.ActivityCritique, map[string]any{"draft": first}))
	require.NoError(t, err)
	require.Equal(t, "needs_changes", crit["verdict"])
	require.Less(t, crit["quality"].(float64), 1.0)

	out, err = s.Draft(ctx, req(api.StageDrafting, api.ActivityDraft, map[string]any{
		"brief":          "Announce the new release",
		"previous_draft": first,
		"reviewer_notes": "mention the migration guide and the deprecation timeline",
	}))
	require.NoError(t, err)
	second := out["text"].(string)
	require.True(t, strings.HasPrefix(second, first))

	crit, err = s.Critique(ctx, req(api.StageCritique, api.ActivityCritique, map[string]any{"draft": second}))
	require.NoError(t, err)
	require.Equal(t, "accept", crit["verdict"])
	require.Equal(t, 1.0, crit["quality"])
}

func TestDraftFallsBackToIngestSummary(t *testing.T) {
	s := New(Config{})
	out, err := s.Draft(context.Background(), req(api.StageDrafting, api.ActivityDraft, map[string]any{
		"ingest": map[string]any{"summary": "from the notes"},
	}))
	require.NoError(t, err)
	require.Equal(t, "from the notes", out["text"])

	_, err = s.Draft(context.Background(), req(api.StageDrafting, api.ActivityDraft, map[string]any{}))
	require.Error(t, err)
}

func TestCompliance(t *testing.T) {
	s := New(Config{BannedTerms: []string{"guaranteed", "risk-free"}, MaxWords: 6})
	ctx := context.Background()

	out, err := s.Compliance(ctx, req(api.StageCompliance, api.ActivityCompliance, map[string]any{
		"document": "Returns are Guaranteed and risk-free for everyone forever",
	}))
	require.NoError(t, err)
	require.Equal(t, false, out["passed"])
	require.Equal(t, []string{
		"banned term: guaranteed",
		"banned term: risk-free",
		"too long: 8 words (max 6)",
	}, out["findings"])

	out, err = s.Compliance(ctx, req(api.StageCompliance, api.ActivityCompliance, map[string]any{
		"document": "A plain statement.",
	}))
	require.NoError(t, err)
	require.Equal(t, true, out["passed"])
	require.Empty(t, out["findings"])
}

func TestNewCompilesBannedTerms(t *testing.T) {
	s := New(Config{BannedTerms: []string{"", "node.js", "acme"}})
	require.Len(t, s.banned, 2)

	// The dot is literal: nodeXjs is not a match.
	out, err := s.Compliance(context.Background(), req(api.StageCompliance, api.ActivityCompliance, map[string]any{
		"document": "Built on Node.js, not nodeXjs or acmecorp",
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"banned term: node.js"}, out["findings"])
}

func TestSummarizeKeepsValidUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short", in: "kurze  Notiz", max: 20, want: "kurze Notiz"},
		{name: "word boundary", in: "alpha beta gamma", max: 12, want: "alpha beta…"},
		{name: "no space, multibyte", in: strings.Repeat("ä", 10), max: 5, want: "ää…"},
		{name: "no space, cjk", in: strings.Repeat("日本", 4), max: 7, want: "日本…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summarize(tt.in, tt.max)
			require.True(t, utf8.ValidString(got), "invalid UTF-8: %q", got)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPublishIsIdempotentPerKey(t *testing.T) {
	docs := NewMemoryDocumentStore()
	rec := &recordingNotifier{}
	s := New(Config{Documents: docs, Notifier: NewDedupNotifier(rec)})
	ctx := context.Background()

	r := req(api.StagePublishing, api.ActivityPublish, map[string]any{
		"document":  "final text",
		"title":     "Launch",
		"recipient": "editor@example.com",
	})
	out, err := s.Publish(ctx, r)
	require.NoError(t, err)
	require.Equal(t, true, out["notified"])
	require.Equal(t, "mem://published/wf-1/wf-1_publishing_4", out["location"])

	// A retry of the same dispatch.
	r.Attempt = 2
	_, err = s.Publish(ctx, r)
	require.NoError(t, err)

	require.Equal(t, 1, docs.Len())
	require.Len(t, rec.sent, 1)
	require.Equal(t, "Launch", rec.sent[0].Subject)
}

func TestPublishNotifyFailureIsTransient(t *testing.T) {
	s := New(Config{Notifier: &recordingNotifier{err: errors.New("smtp down")}})
	_, err := s.Publish(context.Background(), req(api.StagePublishing, api.ActivityPublish, map[string]any{
		"document":  "text",
		"recipient": "x@example.com",
	}))
	require.Error(t, err)
	require.True(t, api.IsTransient(err))

	_, err = s.Publish(context.Background(), req(api.StagePublishing, api.ActivityPublish, map[string]any{}))
	require.Error(t, err)
	require.False(t, api.IsTransient(err))
}

func TestDedupNotifierRetriesFailedDelivery(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("temporary")}
	d := NewDedupNotifier(rec)
	n := Notification{Recipient: "a", IdempotencyKey: "k"}

	require.Error(t, d.Notify(context.Background(), n))
	rec.err = nil
	require.NoError(t, d.Notify(context.Background(), n))
	require.NoError(t, d.Notify(context.Background(), n))
	require.Len(t, rec.sent, 1)
}

func TestRegister(t *testing.T) {
	reg := activity.NewRegistry()
	s := New(Config{})
	require.NoError(t, s.Register(reg, map[string][]activity.Option{
		api.ActivityDraft: {activity.WithRetry(api.RetryPolicy{MaxAttempts: 5})},
	}))
	require.Equal(t, []string{"compliance", "critique", "draft", "ingest", "publish"}, reg.Names())

	r, err := reg.Lookup(api.ActivityDraft)
	require.NoError(t, err)
	require.Equal(t, 5, r.Retry.MaxAttempts)

	require.Error(t, s.Register(reg, nil))
}
