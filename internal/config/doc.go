// Package config loads the AgentHub daemon configuration from a JSON file and
// fills in defaults for every section (server, logging, limiter, fetch, llm,
// realtime, storage, archive, payments, metrics, alerting, agents).
package config
