// Package tasks stores tasks and enforces their lifecycle.
//
// A task names the capabilities an agent must hold to run it. The store
// keeps tasks in a state.StateStore and moves them through a fixed state
// graph:
//
//	pending ──► in_progress ──► completed
//	   │             │
//	   │             ├──► failed
//	   ▼             ▼
//	cancelled ◄──────┘
//
// Completed, failed and cancelled are terminal. Every entry point checks
// the graph, so a straggler cannot complete a task that was cancelled or
// handed to another agent.
//
// # Basic Usage
//
//	store := tasks.NewStore(state.NewMemoryStore())
//
//	task, err := store.Create(ctx, tasks.NewTask{
//	    Title:                "Summarize report",
//	    Description:          "Produce a one-paragraph summary",
//	    RequiredCapabilities: []protocol.CapabilityType{protocol.CapTextProcessing},
//	    CreatedBy:            "coordinator",
//	})
//
//	err = store.Assign(ctx, task.TaskID, "summarizer_01")
//	err = store.Complete(ctx, task.TaskID, map[string]any{"summary": "..."}, "summarizer_01")
//
// # Idempotency
//
// A NewTask with an IdempotencyKey is created at most once; repeating the
// call returns the task created first. This keeps retried submissions from
// producing duplicate work.
//
// # Thread Safety
//
// Store is safe for concurrent use. Transitions are compare-and-swap
// updates against the backing store, so several processes may share one
// backend.
package tasks
