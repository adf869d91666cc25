// Package scheduler orders pending tasks and matches them to agents.
//
// [Score] ranks a task by priority weight, an overdue bonus and its age.
// [SelectAgent] picks, among agents holding every required capability, the
// one with the highest (1 - load) * success_rate, breaking ties by the
// smallest agent ID.
//
// [Dispatcher] is the coordinator loop built on those rules. It reads its
// own queue for task responses, discovery requests, registrations and
// heartbeats, and after each batch sends task requests for whatever
// pending work active agents can serve:
//
//	d := scheduler.NewDispatcher("coordinator", reg, store, queue,
//		scheduler.WithOracle(oracle),
//		scheduler.WithLogger(logger))
//	task, err := d.Submit(ctx, tasks.NewTask{...})
//	go d.Run(ctx)
package scheduler
