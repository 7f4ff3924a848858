// Package sequencer runs group operations over chains in dependency order.
//
// StartAll starts independent chains in parallel and holds each dependent
// back until all of its dependencies report running. StopAll walks the
// graph the other way. Shutdown is the application teardown: downloads are
// paused, running chains are stopped within a time budget, and anything
// left is force-killed.
package sequencer
