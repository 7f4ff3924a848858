// Package chain holds the static chain definitions table and the dependency
// graph derived from it.
//
// Definitions are read from YAML once at startup and resolved for the
// running platform: per-OS binary paths, extract directories and download
// URLs collapse to single values, and the launch style and archive kind are
// chosen. The resulting Set is read-only and shared by every component.
//
//	chains:
//	  - id: enforcer
//	    binary: {linux: bip300301-enforcer, darwin: bip300301-enforcer}
//	    download_url: {default: https://example.org/enforcer-latest.zip}
//	    readiness: {mode: marker_or_probe, marker: "Listening for gRPC"}
//	    rpc: {url: "http://127.0.0.1:8332", probe_method: getblockcount, stop_method: stop}
//	  - id: thunder
//	    dependencies: [enforcer]
//	    ...
package chain
