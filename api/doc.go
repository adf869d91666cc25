// Package api serves the registry and task store over HTTP.
//
// Routes, all under /v1:
//
//	GET    /agents                 discover by query parameters
//	POST   /agents                 register an agent card
//	POST   /agents/discover        discover by JSON query
//	GET    /agents/:id             fetch one agent
//	DELETE /agents/:id             deregister
//	POST   /agents/:id/heartbeat   refresh last_seen
//	GET    /search/agents?q=       free-text search over agent cards
//	GET    /stats                  registry statistics
//	POST   /tasks                  submit a task
//	GET    /tasks?status=          list tasks by status
//	GET    /tasks/:id              fetch one task
//	POST   /tasks/:id/cancel       cancel a task
//
// Task routes are mounted only when a dispatcher is configured. Errors
// are JSON objects with success=false, the error code and any
// validation violations.
package api
