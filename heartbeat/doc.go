// Package heartbeat keeps the registry's view of agent liveness current.
//
// # Overview
//
// Agents send heartbeat messages to the coordinator queue; the coordinator
// turns each one into a registry heartbeat that stamps last_seen. Agents
// that stop sending are first reported inactive by discovery and later
// removed by the Monitor's scheduled sweep.
//
//	┌─────────────┐   heartbeat message   ┌──────────────┐   Heartbeat   ┌──────────┐
//	│   Sender    │ ────────────────────> │  Dispatcher  │ ────────────> │ Registry │
//	│  (agent)    │   coordinator queue   │ (coordinator)│               │          │
//	└─────────────┘                       └──────────────┘               └──────────┘
//	                                                                          ▲
//	                                              CleanupInactive (cron)      │
//	                                      ┌──────────────┐ ───────────────────┘
//	                                      │   Monitor    │
//	                                      └──────────────┘
//
// # Usage
//
// Sending heartbeats from an agent:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      q,
//	    AgentID:  agentID,
//	    Queue:    "coordinator",
//	    Interval: 30 * time.Second,
//	}, logger)
//	sender.SetLoad(0.75)
//	sender.Start(ctx)
//
// Sweeping stale agents and old tasks on the coordinator:
//
//	monitor, _ := heartbeat.NewMonitor(reg, taskStore, heartbeat.MonitorConfig{
//	    Timeout:         30 * time.Minute,
//	    CleanupSchedule: "@every 5m",
//	    PurgeDays:       30,
//	}, logger)
//	monitor.Start(ctx)
//	defer monitor.Stop(ctx)
//
// Schedules accept standard five-field cron expressions, descriptors such as
// "@hourly", or Go durations such as "90s".
package heartbeat
