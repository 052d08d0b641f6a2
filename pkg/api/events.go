package api

import "time"

// EventType identifies a workflow event.
type EventType string

const (
	EventStartRequested    EventType = "start_requested"
	EventActivityCompleted EventType = "activity_completed"
	EventHumanSignal       EventType = "human_signal"
	EventTimeout           EventType = "timeout"
	EventCancelRequested   EventType = "cancel_requested"
)

// Event is the input of the stage router. Exactly one of the optional payloads
// is set, matching Type.
type Event struct {
	Type EventType `json:"type"`

	// At is stamped by the engine before the event is logged. It is the only
	// clock the router observes.
	At time.Time `json:"at"`

	Activity *ActivityCompletion `json:"activity,omitempty"`
	Signal   *HumanSignal        `json:"signal,omitempty"`
	Timeout  *TimeoutInfo        `json:"timeout,omitempty"`
	Cancel   *CancelInfo         `json:"cancel,omitempty"`
}

// ActivityCompletion is the single terminal outcome of a dispatched activity.
type ActivityCompletion struct {
	Name     string         `json:"name"`
	Stage    Stage          `json:"stage"`
	Epoch    int64          `json:"epoch"`
	Attempts int            `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
	Err      *ActivityError `json:"error,omitempty"`
}

// HumanSignal is an approval decision delivered by an external actor.
type HumanSignal struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

// TimeoutInfo reports that the gate armed at Epoch was not answered in time.
type TimeoutInfo struct {
	Reason string `json:"reason"`
	Epoch  int64  `json:"epoch"`
}

// CancelInfo carries the reason of a cancellation request.
type CancelInfo struct {
	Reason string `json:"reason,omitempty"`
}

// StartEvent returns a StartRequested event.
func StartEvent() Event {
	return Event{Type: EventStartRequested}
}

// CompletedEvent wraps an activity result into an ActivityCompleted event.
func CompletedEvent(req ActivityRequest, res ActivityResult) Event {
	return Event{
		Type: EventActivityCompleted,
		Activity: &ActivityCompletion{
			Name:     req.Name,
			Stage:    req.Stage,
			Epoch:    req.Epoch,
			Attempts: res.Attempts,
			Output:   res.Output,
			Err:      res.Err,
		},
	}
}

// SignalEvent returns a HumanSignal event.
func SignalEvent(approved bool, notes string) Event {
	return Event{Type: EventHumanSignal, Signal: &HumanSignal{Approved: approved, Notes: notes}}
}

// TimeoutEvent returns a Timeout event for the gate armed at epoch.
func TimeoutEvent(reason string, epoch int64) Event {
	return Event{Type: EventTimeout, Timeout: &TimeoutInfo{Reason: reason, Epoch: epoch}}
}

// CancelEvent returns a CancelRequested event.
func CancelEvent(reason string) Event {
	return Event{Type: EventCancelRequested, Cancel: &CancelInfo{Reason: reason}}
}

// EffectType identifies a side-effect request produced by the router.
type EffectType string

const (
	EffectDispatchActivity EffectType = "dispatch_activity"
	EffectAwaitSignal      EffectType = "await_signal"
	EffectCancelActivity   EffectType = "cancel_activity"
	EffectTerminate        EffectType = "terminate"
)

// Effect is a side-effect request. The router never performs effects itself.
type Effect struct {
	Type EffectType

	// Activity is set for dispatch_activity and cancel_activity.
	Activity *PendingActivity

	// Deadline is set for await_signal when the gate has a timeout.
	Deadline time.Time
	Epoch    int64

	// Status is set for terminate.
	Status Status
}

// StateDelta summarizes what an event did to the state. It is recorded next to
// the event so replays can be checked against the original run.
type StateDelta struct {
	From   Stage  `json:"from"`
	To     Stage  `json:"to"`
	Status Status `json:"status"`
	Epoch  int64  `json:"epoch"`
	Cause  string `json:"cause,omitempty"`
}

// LogEntry is one append-only record of the replay log.
type LogEntry struct {
	WorkflowID string     `json:"workflow_id"`
	Seq        int64      `json:"seq"`
	Event      Event      `json:"event"`
	Delta      StateDelta `json:"delta"`
	At         time.Time  `json:"at"`
}
