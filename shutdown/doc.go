// Package shutdown stops the parts of an agent or coordinator process in
// order.
//
// Components register a handler under a phase. On shutdown the phases run
// from lowest to highest, handlers within a phase concurrently:
//
//	PhaseIntake     agents deregister, dispatchers stop receiving
//	PhaseWorkers    liveness monitor, heartbeat senders
//	PhaseTransport  bus connections
//	PhaseStorage    state stores
//	PhaseTelemetry  trace flush, log files
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.WithLogger(logger))
//	ctx = coord.HandleSignals(ctx)
//
//	coord.Register("agent", shutdown.PhaseIntake, a)
//	coord.RegisterFunc("monitor", shutdown.PhaseWorkers, monitor.Stop)
//	coord.Register("bus", shutdown.PhaseTransport, shutdown.Closer(q.Close))
//	coord.Register("store", shutdown.PhaseStorage, shutdown.Closer(closeStore))
//
//	go a.Start(ctx)
//	<-coord.Done()
//
// A handler that panics counts as failed. Once the deadline passes, the
// remaining phases are skipped and reported in Report.Skipped.
package shutdown
