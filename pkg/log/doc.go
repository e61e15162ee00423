// Package log wraps zerolog with component-scoped child loggers
// (WithComponent, WithAgentID, WithTaskID, ...) so every subsystem logs
// with consistent structured fields.
package log
