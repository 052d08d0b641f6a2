// Command quill runs and drives content pipeline workflows.
//
//	quill serve                       # recover and run workers until interrupted
//	quill start --artifact notes=...  # start a workflow and run it to the gate
//	quill approve <id> [--reject]     # answer the approval gate
//	quill state|result|history <id>
//	quill list [--active]
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
