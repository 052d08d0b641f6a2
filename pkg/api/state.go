package api

import (
	"maps"
	"slices"
	"time"
)

// Task identifies which variant of the content pipeline a workflow runs.
type Task string

const (
	TaskFullPipeline   Task = "full_pipeline"
	TaskIngestOnly     Task = "ingest_only"
	TaskComplianceOnly Task = "compliance_only"
	TaskPublishOnly    Task = "publish_only"
)

// Valid reports whether t is a supported pipeline variant.
func (t Task) Valid() bool {
	switch t {
	case TaskFullPipeline, TaskIngestOnly, TaskComplianceOnly, TaskPublishOnly:
		return true
	}
	return false
}

// Stage is a position in the pipeline graph.
type Stage string

const (
	StageRoute      Stage = "route"
	StageIngestion  Stage = "ingestion"
	StageDrafting   Stage = "drafting"
	StageCritique   Stage = "critique"
	StageRevision   Stage = "revision"
	StageCompliance Stage = "compliance"
	StagePublishing Stage = "publishing"
	StageDone       Stage = "done"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the append-only conversation record.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// AuditEntry describes one state transition.
type AuditEntry struct {
	Seq   int64     `json:"seq"`
	From  Stage     `json:"from"`
	To    Stage     `json:"to"`
	Event EventType `json:"event"`
	Cause string    `json:"cause,omitempty"`
	At    time.Time `json:"at"`
}

// Metrics holds per-run counters. They never decrease within a run.
type Metrics struct {
	RevisionCount int `json:"revision_count"`
	RetryCount    int `json:"retry_count"`
	DraftCount    int `json:"draft_count"`
	ActivityCount int `json:"activity_count"`
}

// Flags carries side-channel signals for the approval gate.
type Flags struct {
	AwaitingHuman    bool      `json:"awaiting_human"`
	HumanNotes       string    `json:"human_notes,omitempty"`
	ApprovalDeadline time.Time `json:"approval_deadline,omitzero"`
}

// TimeoutPolicy decides what happens to an unanswered approval gate.
type TimeoutPolicy string

const (
	TimeoutPolicyError       TimeoutPolicy = "error"
	TimeoutPolicyAutoApprove TimeoutPolicy = "auto_approve"
	TimeoutPolicyAutoReject  TimeoutPolicy = "auto_reject"
)

// Policy holds the routing knobs of a run. It is frozen into the state when the
// workflow is created so that replays never depend on process configuration.
type Policy struct {
	RevisionBudget   int     `json:"revision_budget"`
	QualityThreshold float64 `json:"quality_threshold"`

	// ApprovalTimeout is how long the gate waits for a human. Zero waits forever.
	ApprovalTimeout time.Duration `json:"approval_timeout"`
	TimeoutPolicy   TimeoutPolicy `json:"timeout_policy"`

	// MaxAutoApproveRisk bounds TimeoutPolicyAutoApprove: the gate is only
	// auto-approved when 1 - quality <= MaxAutoApproveRisk.
	MaxAutoApproveRisk float64 `json:"max_auto_approve_risk"`
}

// DefaultPolicy returns the policy used when the engine is not configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		RevisionBudget:     3,
		QualityThreshold:   0.7,
		TimeoutPolicy:      TimeoutPolicyError,
		MaxAutoApproveRisk: 0.2,
	}
}

// PendingActivity is a side effect that has been requested by the router and
// whose completion has not been recorded yet.
type PendingActivity struct {
	Name           string         `json:"name"`
	Stage          Stage          `json:"stage"`
	Epoch          int64          `json:"epoch"`
	IdempotencyKey string         `json:"idempotency_key"`
	Input          map[string]any `json:"input,omitempty"`
}

// WorkflowState is the serializable record of one pipeline run.
//
// Values returned by the engine are snapshots: mutating them has no effect on
// the stored workflow.
type WorkflowState struct {
	WorkflowID string `json:"workflow_id"`
	Task       Task   `json:"task"`
	Stage      Stage  `json:"stage"`
	Status     Status `json:"status"`

	Messages   []Message      `json:"messages"`
	Artifacts  map[string]any `json:"artifacts"`
	AuditTrail []AuditEntry   `json:"audit_trail"`
	Metrics    Metrics        `json:"metrics"`
	Flags      Flags          `json:"flags"`
	Policy     Policy         `json:"policy"`

	// Epoch increases every time an activity is dispatched or the gate is
	// entered. Completions and timeouts carry the epoch they belong to.
	Epoch   int64            `json:"epoch"`
	Pending *PendingActivity `json:"pending,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// Seq is the sequence number of the last applied log entry.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowState builds the initial snapshot of a run.
func NewWorkflowState(id string, task Task, artifacts map[string]any, policy Policy, now time.Time) *WorkflowState {
	arts := make(map[string]any, len(artifacts))
	for k, v := range artifacts {
		arts[k] = v
	}
	return &WorkflowState{
		WorkflowID: id,
		Task:       task,
		Stage:      StageRoute,
		Status:     StatusPending,
		Messages:   []Message{},
		Artifacts:  arts,
		AuditTrail: []AuditEntry{},
		Policy:     policy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Terminal reports whether the workflow accepts no further state-mutating events.
func (s *WorkflowState) Terminal() bool {
	return s.Stage == StageDone || s.Status == StatusError || s.Status == StatusComplete
}

// Cause returns the cause of the most recent transition, if any.
func (s *WorkflowState) Cause() string {
	if n := len(s.AuditTrail); n > 0 {
		return s.AuditTrail[n-1].Cause
	}
	return ""
}

// Clone returns a copy that shares no slices or maps with s. Artifact values
// are copied one level deep; nested values are treated as immutable.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.AuditTrail = slices.Clone(s.AuditTrail)
	c.Artifacts = maps.Clone(s.Artifacts)
	if s.Pending != nil {
		p := *s.Pending
		p.Input = maps.Clone(s.Pending.Input)
		c.Pending = &p
	}
	return &c
}

// ListOptions controls how workflows are listed.
// Zero values mean "no filter" for that field.
type ListOptions struct {
	Task   Task
	Status Status
	Stage  Stage

	// ActiveOnly limits results to non-terminal workflows.
	ActiveOnly bool
}
