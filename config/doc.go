// Package config loads the TOML configuration shared by agents and
// coordinators and opens the backends it names.
//
// Every field has a default, so an empty file runs everything in memory:
//
//	[agent]
//	name = "summarizer"
//	capabilities = ["text_processing"]
//	poll_interval = "500ms"
//
//	[registry]
//	backend = "sqlite"
//	sqlite_path = "/var/lib/a2a/state.db"
//
//	[bus]
//	backend = "nats"
//	nats_url = "nats://127.0.0.1:4222"
//
//	[analyzer]
//	provider = "anthropic"
//	model = "claude-3-5-haiku-latest"
//
//	[capabilities]
//	extra = ["translation"]
//
// Durations are Go duration strings. Unknown keys are rejected and
// Validate lists every problem in one error. The analyzer key comes from
// A2A_ANALYZER_API_KEY, analyzer.api_key, a credentials.toml file or the
// provider's own environment variable, in that order.
package config
