// Package api contains the public types shared by the quill engine, its
// workers, and its storage backends.
//
// # Concepts
//
// A workflow is one run of the content pipeline
// (ingest → draft → critique → revise → comply → publish). Its complete state
// is a WorkflowState value. The engine never edits a state in place: every
// change is produced by the stage router in response to an Event, recorded in
// an append-only log, and published as a new snapshot.
//
// Events are the only inputs of the router:
//
//   - StartRequested: the client created the workflow.
//   - ActivityCompleted: an activity reached its terminal outcome.
//   - HumanSignal: a reviewer approved or rejected the current draft.
//   - Timeout: the approval gate expired.
//   - CancelRequested: the client cancelled the workflow.
//
// Activities are side-effecting functions (content generation, document
// storage, notifications) executed outside the router with a RetryPolicy.
// They receive an ActivityRequest that contains only the inputs they need
// and an IdempotencyKey that stays stable across retries.
//
// # Observability
//
// The Observer interface is used by engines and workers to report lifecycle
// events. LoggingObserver, BasicMetrics and CompositeObserver are provided
// here; a Prometheus implementation lives in pkg/metrics.
package api
