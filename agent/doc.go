// Package agent is the per-agent runtime.
//
// An Agent advertises a set of capabilities, registers itself, and then
// runs a single cooperative loop: receive a batch from its queue, handle
// each message in order, refresh its liveness, pause, repeat. Tasks arrive
// as task_request messages and are executed one at a time by the
// TaskHandler installed for the first matching required capability; the
// outcome goes back as a task_response.
//
//	a, _ := agent.New("summarizer", "Summarizes text", q,
//	    agent.WithCapabilities(protocol.NewCapability(protocol.CapTextProcessing, "summarize", "Summaries")),
//	    agent.WithCoordinator("coordinator"),
//	    agent.WithLogger(logger),
//	)
//	a.RegisterTaskHandler(protocol.CapTextProcessing, agent.TaskHandlerFunc(summarize))
//	go a.Start(ctx)
//	defer a.Stop(context.Background())
//
// With WithRegistry the agent writes its card and heartbeats straight to
// the registry; otherwise it announces itself and heartbeats through the
// coordinator queue. Handler errors and panics are logged and never end
// the loop.
package agent
