// Package orchestrator is the command surface of chainkeeper: download,
// pause, resume, start, stop and reset a chain, and report status.
//
// Commands that change state return a Result instead of an error so the
// HTTP API and the CLI render failures the same way:
//
//	{"success": false, "error": "missing dependency: alpha"}
package orchestrator
