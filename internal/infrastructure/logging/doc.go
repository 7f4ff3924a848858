// Package logging provides structured logging for chainkeeper.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same handler, level and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Component("supervisor").Info("chain started", "chain", id)
//
// Never log RPC passwords or JWT secrets; chain definitions carry both.
package logging
