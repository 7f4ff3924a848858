// Package process runs one chain node process from launch to exit.
//
// A Launcher hides how a node is started. ExecLauncher spawns the binary as
// a child in its own process group and captures stdout and stderr line by
// line. AppBundleLauncher opens a macOS .app with `open` and, having no child
// handle, follows it through the process table.
//
// Manager drives a single run:
//
//	starting -> running -> stopping -> stopped
//	    |                                 ^
//	    +------------- (exit) ------------+
//
// Readiness is detected once, by whichever configured source fires first:
// the first output line, a log marker, or a successful probe polled on an
// interval. Stop is tiered: an optional graceful call such as a stop RPC,
// then SIGTERM to the process group, then SIGKILL, each with a bounded wait
// for the exit to be confirmed.
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Command:   process.Command{Name: "base", Binary: "/opt/chains/base/based"},
//	    Readiness: def.Readiness,
//	    Probe:     rpcClient.Probe,
//	    OnReady:   func() { log.Info("ready") },
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop(ctx)
package process
