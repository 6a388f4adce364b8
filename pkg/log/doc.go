// Package log provides structured logging for SPEAR using zerolog.
//
// A single global logger is configured once via Init and then specialized
// per component with With* helpers (WithComponent, WithNodeUUID, WithTaskID,
// WithArtifactID, WithInstanceID, WithExecutionID). Every SPEAR package logs
// through a component-tagged child logger rather than the bare global one,
// so log lines can be filtered by component in aggregation tooling.
//
// Console output is the default (and the default of both binaries'
// --log-json flag); setting Config.JSONOutput switches to JSON lines.
package log
