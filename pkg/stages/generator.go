package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/quill/pkg/api"
)

// Purpose tells a Generator what kind of text is wanted.
type Purpose string

const (
	PurposeDraft    Purpose = "draft"
	PurposeCritique Purpose = "critique"
)

type GenerateRequest struct {
	Purpose     Purpose        `json:"purpose"`
	Prompt      string         `json:"prompt"`
	Context     map[string]any `json:"context,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`

	// IdempotencyKey is forwarded so that a remote service can deduplicate
	// retried calls.
	IdempotencyKey string `json:"-"`
}

type GenerateResponse struct {
	Text    string  `json:"text"`
	Quality float64 `json:"quality"`
	Verdict string  `json:"verdict,omitempty"`
	Model   string  `json:"model"`
}

// Generator produces drafts and critiques.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// TemplateGenerator is a deterministic Generator for local runs and tests.
// Drafts are assembled from the prompt context; critiques score a draft by
// its length relative to TargetWords.
type TemplateGenerator struct {
	TargetWords int
}

func (g TemplateGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResponse{}, err
	}
	switch req.Purpose {
	case PurposeDraft:
		return GenerateResponse{Text: g.draft(req), Model: "template"}, nil
	case PurposeCritique:
		return g.critique(req), nil
	}
	return GenerateResponse{}, fmt.Errorf("template generator: unsupported purpose %q", req.Purpose)
}

func (g TemplateGenerator) draft(req GenerateRequest) string {
	var b strings.Builder
	if prev, _ := req.Context["previous_draft"].(string); prev != "" {
		b.WriteString(prev)
	} else {
		if title, _ := req.Context["title"].(string); title != "" {
			b.WriteString("# " + title + "\n\n")
		}
		b.WriteString(strings.TrimSpace(req.Prompt))
	}
	if notes, _ := req.Context["reviewer_notes"].(string); notes != "" {
		fmt.Fprintf(&b, "\n\nRevised to address: %s.", notes)
	}
	return b.String()
}

func (g TemplateGenerator) critique(req GenerateRequest) GenerateResponse {
	target := g.TargetWords
	if target <= 0 {
		target = 40
	}
	words := len(strings.Fields(req.Prompt))
	quality := float64(words) / float64(target)
	if quality > 1 {
		quality = 1
	}

	resp := GenerateResponse{Quality: quality, Model: "template", Verdict: "accept"}
	if words < target {
		resp.Verdict = "needs_changes"
		resp.Text = fmt.Sprintf("The draft has %d words; expand it towards %d.", words, target)
	} else {
		resp.Text = "The draft is complete."
	}
	return resp
}

// HTTPGenerator calls a remote generation service that accepts a
// GenerateRequest as JSON and answers with a GenerateResponse.
//
// Rate limiting (429), server errors (5xx) and network failures are reported
// as transient; any other non-200 status is permanent.
type HTTPGenerator struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPGenerator(endpoint, apiKey string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(body))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "quill/1")
	if g.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return GenerateResponse{}, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return GenerateResponse{}, api.Transient(fmt.Errorf("failed to send request: %w", err))
		}
		return GenerateResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return GenerateResponse{}, api.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("generator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return GenerateResponse{}, api.Transient(err)
		}
		return GenerateResponse{}, err
	}

	var out GenerateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return GenerateResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}
