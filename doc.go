// Package quill is a durable content pipeline engine.
//
// A workflow takes a set of source artifacts (notes, sources, a title) through
// a fixed series of stages:
//
//	route -> ingestion -> drafting -> critique -> revision gate
//	      -> compliance -> publishing -> done
//
// Every stage except the gate runs one activity: a side-effecting function
// that talks to a generator, a document store or a notifier. The gate parks
// the workflow until a human approves or requests changes; a rejection sends
// the draft back through drafting and critique, bounded by a revision budget.
//
// # Durability
//
// All state changes go through a pure router and are appended to an event
// log before any side effect is performed. On restart, Recover rebuilds each
// active workflow from its latest snapshot plus the log and re-dispatches the
// activity it was waiting on with the same idempotency key, so activities
// must make their external writes idempotent on that key.
//
// Several processes may share one store. A workflow is owned by at most one
// engine at a time through a fencing lease; writes from an engine whose
// lease was taken over are rejected.
//
// # Backends
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, see OpenSQLite)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Getting started
//
//	b, err := quill.OpenSQLite(ctx, "quill.db", quill.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	runner := quill.NewLocalRunner(b.Engine)
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	id, _ := b.Engine.StartWorkflow(ctx, quill.TaskFullPipeline, map[string]any{
//		"title": "Release notes",
//		"notes": "...",
//	})
//	st, _ := runner.Await(ctx, id) // parked at the approval gate
//	_ = b.Engine.SubmitApproval(ctx, id, true, "looks good")
//
// The cmd/quill binary wraps the same API in a CLI.
package quill
