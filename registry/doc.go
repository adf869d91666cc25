// Package registry provides capability-indexed agent registration and
// discovery.
//
// # Overview
//
// Agents register an AgentRecord describing their capabilities, location
// and tags. Coordinators discover agents by capability, optionally narrowed
// by location and tags. Records live in a state.StateStore so every process
// sharing the store sees the same registry.
//
// # Basic Usage
//
//	reg := registry.New(state.NewMemoryStore())
//	rec := protocol.NewAgentRecord("", "summarizer", "Summarizes documents")
//	rec.AddCapability(protocol.NewCapability(protocol.CapTextProcessing, "summarize", "Summarize text"))
//	id, err := reg.Register(ctx, rec)
//
// Discover agents that hold every required capability:
//
//	res, _ := reg.Discover(ctx, protocol.NewDiscoveryQuery(protocol.CapTextProcessing))
//	for _, a := range res.Agents {
//	    fmt.Println(a.AgentID, a.LastSeen)
//	}
//
// # Liveness
//
// Heartbeat refreshes last_seen. An agent unseen for longer than the
// liveness timeout is reported inactive and excluded from active-only
// discovery even before CleanupInactive removes it.
//
// # Concurrency
//
// Register, Update and Heartbeat are compare-and-swap loops on the record's
// store revision. Concurrent heartbeats and updates of one agent never lose
// each other's changes.
package registry
