// Package stages implements the pipeline activities: ingest, draft,
// critique, compliance and publish.
//
// Activities talk to the outside world only through the Generator,
// DocumentStore and Notifier interfaces. They key every external write by
// the request's idempotency key, so a retried or re-dispatched activity
// overwrites its earlier output instead of duplicating it.
package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/petrijr/quill/internal/activity"
	"github.com/petrijr/quill/pkg/api"
)

// Config wires the activities to their collaborators.
type Config struct {
	Generator Generator
	Documents DocumentStore
	Notifier  Notifier
	Logger    *slog.Logger

	// Compliance rules.
	BannedTerms []string
	MaxWords    int
}

// Stages holds the pipeline activities.
type Stages struct {
	gen    Generator
	docs   DocumentStore
	notify Notifier
	logger *slog.Logger

	banned   []bannedTerm
	maxWords int
}

type bannedTerm struct {
	term string
	re   *regexp.Regexp
}

func New(cfg Config) *Stages {
	s := &Stages{
		gen:      cfg.Generator,
		docs:     cfg.Documents,
		notify:   cfg.Notifier,
		logger:   cfg.Logger,
		maxWords: cfg.MaxWords,
	}
	for _, term := range cfg.BannedTerms {
		if term == "" {
			continue
		}
		s.banned = append(s.banned, bannedTerm{
			term: term,
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`),
		})
	}
	if s.gen == nil {
		s.gen = TemplateGenerator{}
	}
	if s.docs == nil {
		s.docs = NewMemoryDocumentStore()
	}
	if s.notify == nil {
		s.notify = LogNotifier{Logger: cfg.Logger}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Register adds every activity to reg under its api.Activity* name. opts
// holds per-activity registration options, keyed by name.
func (s *Stages) Register(reg *activity.Registry, opts map[string][]activity.Option) error {
	acts := map[string]api.Activity{
		api.ActivityIngest:     s.Ingest,
		api.ActivityDraft:      s.Draft,
		api.ActivityCritique:   s.Critique,
		api.ActivityCompliance: s.Compliance,
		api.ActivityPublish:    s.Publish,
	}
	for _, name := range []string{
		api.ActivityIngest,
		api.ActivityDraft,
		api.ActivityCritique,
		api.ActivityCompliance,
		api.ActivityPublish,
	} {
		if err := reg.Register(name, acts[name], opts[name]...); err != nil {
			return err
		}
	}
	return nil
}

// Ingest stores the source notes and returns a summary of them.
func (s *Stages) Ingest(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
	notes := str(req.Input["notes"])
	sources := strs(req.Input["sources"])
	if strings.TrimSpace(notes) == "" && len(sources) == 0 {
		return nil, errors.New("ingest: no notes or sources")
	}

	body := notes
	if len(sources) > 0 {
		body += "\n\nSources:\n- " + strings.Join(sources, "\n- ")
	}
	key := documentKey("sources", req)
	location, err := s.docs.Put(ctx, Document{
		Key:         key,
		Body:        []byte(body),
		ContentType: "text/plain",
		Metadata:    map[string]string{"workflow_id": req.WorkflowID, "title": str(req.Input["title"])},
	})
	if err != nil {
		return nil, api.Transient(err)
	}

	return map[string]any{
		"document_key": key,
		"location":     location,
		"summary":      summarize(notes, 200),
		"word_count":   len(strings.Fields(body)),
		"source_count": len(sources),
	}, nil
}

// Draft asks the generator for a new draft, revising the previous one when
// reviewer notes are present.
func (s *Stages) Draft(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
	brief := str(req.Input["brief"])
	if brief == "" {
		if ingest, ok := req.Input["ingest"].(map[string]any); ok {
			brief = str(ingest["summary"])
		}
	}
	if brief == "" && str(req.Input["previous_draft"]) == "" {
		return nil, errors.New("draft: empty brief")
	}

	resp, err := s.gen.Generate(ctx, GenerateRequest{
		Purpose: PurposeDraft,
		Prompt:  brief,
		Context: map[string]any{
			"title":          req.Input["title"],
			"previous_draft": req.Input["previous_draft"],
			"reviewer_notes": req.Input["reviewer_notes"],
			"revision":       req.Input["revision"],
		},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, api.Transient(errors.New("draft: generator returned empty text"))
	}
	return map[string]any{"text": resp.Text, "model": resp.Model}, nil
}

// Critique scores the current draft.
func (s *Stages) Critique(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
	draft := str(req.Input["draft"])
	if draft == "" {
		return nil, errors.New("critique: no draft")
	}

	resp, err := s.gen.Generate(ctx, GenerateRequest{
		Purpose:        PurposeCritique,
		Prompt:         draft,
		Context:        map[string]any{"brief": req.Input["brief"]},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	verdict := resp.Verdict
	if verdict == "" {
		verdict = "accept"
	}
	return map[string]any{
		"quality":  resp.Quality,
		"verdict":  verdict,
		"feedback": resp.Text,
		"model":    resp.Model,
	}, nil
}

// Compliance checks the document against the configured rules. A failed
// check is a successful activity with passed=false.
func (s *Stages) Compliance(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
	doc := str(req.Input["document"])
	findings := []string{}

	if strings.TrimSpace(doc) == "" {
		findings = append(findings, "document is empty")
	}
	for _, b := range s.banned {
		if b.re.MatchString(doc) {
			findings = append(findings, fmt.Sprintf("banned term: %s", b.term))
		}
	}
	if words := len(strings.Fields(doc)); s.maxWords > 0 && words > s.maxWords {
		findings = append(findings, fmt.Sprintf("too long: %d words (max %d)", words, s.maxWords))
	}

	return map[string]any{
		"passed":   len(findings) == 0,
		"findings": findings,
	}, nil
}

// Publish stores the final document and notifies the recipient.
func (s *Stages) Publish(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
	doc := str(req.Input["document"])
	if strings.TrimSpace(doc) == "" {
		return nil, errors.New("publish: empty document")
	}

	key := documentKey("published", req)
	location, err := s.docs.Put(ctx, Document{
		Key:         key,
		Body:        []byte(doc),
		ContentType: "text/markdown",
		Metadata:    map[string]string{"workflow_id": req.WorkflowID, "title": str(req.Input["title"])},
	})
	if err != nil {
		return nil, api.Transient(err)
	}

	out := map[string]any{"location": location, "document_key": key, "notified": false}
	if recipient := str(req.Input["recipient"]); recipient != "" {
		err := s.notify.Notify(ctx, Notification{
			Recipient:      recipient,
			Subject:        str(req.Input["title"]),
			Location:       location,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return nil, api.Transient(fmt.Errorf("notify %s: %w", recipient, err))
		}
		out["notified"] = true
	}
	s.logger.InfoContext(ctx, "document published", "workflow_id", req.WorkflowID, "location", location)
	return out, nil
}

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// documentKey derives a storage key from the idempotency key, so every
// attempt of one dispatch writes the same object.
func documentKey(kind string, req api.ActivityRequest) string {
	return fmt.Sprintf("%s/%s/%s", kind, unsafeKey.ReplaceAllString(req.WorkflowID, "_"),
		unsafeKey.ReplaceAllString(req.IdempotencyKey, "_"))
}

func summarize(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	cut := strings.LastIndex(s[:end], " ")
	if cut <= 0 {
		cut = end
	}
	return s[:cut] + "…"
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv != "" {
			return []string{vv}
		}
	}
	return nil
}
