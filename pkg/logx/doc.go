// Package logx provides the hub's structured logging.
//
// It is a thin wrapper over zerolog exposing a value-type Logger with
// closure-based fields, console and file sinks, and runtime-applyable
// configuration. The zero Logger is a safe no-op.
package logx
