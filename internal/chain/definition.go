package chain

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ArchiveKind selects the extraction strategy for a downloaded file.
type ArchiveKind string

const (
	ArchiveNone      ArchiveKind = "none" // direct binary, renamed into place
	ArchiveZip       ArchiveKind = "zip"
	ArchiveTarGz     ArchiveKind = "tar.gz"
	ArchiveAppBundle ArchiveKind = "app_bundle" // zipped macOS .app, unpacked with ditto
	ArchiveAuto      ArchiveKind = "auto"       // decided from the resolved URL
)

// TempSuffix returns the file suffix used for the temp download file.
func (k ArchiveKind) TempSuffix() string {
	switch k {
	case ArchiveZip, ArchiveAppBundle:
		return ".zip"
	case ArchiveTarGz:
		return ".tar.gz"
	default:
		return ""
	}
}

// KindFromName infers the archive kind from a URL or file name.
// Unknown suffixes yield ArchiveNone.
func KindFromName(name string) ArchiveKind {
	lower := strings.ToLower(name)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ArchiveZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ArchiveTarGz
	default:
		return ArchiveNone
	}
}

// LaunchStyle selects how the process supervisor starts a chain.
type LaunchStyle string

const (
	// LaunchExec spawns the binary as a child process with piped output.
	LaunchExec LaunchStyle = "exec"

	// LaunchAppBundle opens a macOS .app through the shell-open mechanism.
	// There is no child handle; liveness comes from the process table.
	LaunchAppBundle LaunchStyle = "app_bundle"
)

// ReadinessMode selects how a started chain is confirmed ready.
type ReadinessMode string

const (
	ReadyFirstOutput   ReadinessMode = "first_output"
	ReadyLogMarker     ReadinessMode = "log_marker"
	ReadyProbe         ReadinessMode = "probe"
	ReadyMarkerOrProbe ReadinessMode = "marker_or_probe"
)

// UsesMarker reports whether output lines are matched against a marker.
func (m ReadinessMode) UsesMarker() bool {
	return m == ReadyLogMarker || m == ReadyMarkerOrProbe
}

// UsesProbe reports whether an RPC probe runs.
func (m ReadinessMode) UsesProbe() bool {
	return m == ReadyProbe || m == ReadyMarkerOrProbe
}

// Readiness describes ready detection for one chain.
type Readiness struct {
	Mode   ReadinessMode
	Marker *regexp.Regexp // nil unless Mode.UsesMarker()

	// Timeout bounds the wait for readiness; zero waits indefinitely.
	Timeout time.Duration
}

// RPC locates a chain's JSON-RPC control interface.
type RPC struct {
	URL         string
	User        string
	Password    string
	ProbeMethod string // cheap read call used as the readiness probe
	StopMethod  string // graceful shutdown call; empty means signal only
}

// Release describes a GitHub release lookup used instead of a fixed URL.
type Release struct {
	Repo  string         // owner/name
	Asset *regexp.Regexp // matched against asset names of the latest release
}

// Definition is one chain resolved for the running platform. It is built by
// Load and never mutated afterwards.
type Definition struct {
	ID           string
	DisplayName  string
	BinaryPath   string // relative to the install directory
	ExtractDir   string // relative to the install root
	DownloadURL  string // empty when Release is set
	Release      *Release
	Dependencies []string
	DirectBinary bool
	Archive      ArchiveKind
	Args         []string
	DataDirFlag  string // e.g. "--datadir"; empty means no data dir argument
	Readiness    Readiness
	RPC          *RPC
	Launch       LaunchStyle

	// ProcessPattern is matched against full command lines to find an
	// app-bundle launch in the process table.
	ProcessPattern string
}

// InstallDir returns the chain's install directory under root.
func (d Definition) InstallDir(root string) string {
	return filepath.Join(root, d.ExtractDir)
}

// BinaryFile returns the absolute path of the chain's executable (or .app
// bundle) under the install root.
func (d Definition) BinaryFile(root string) string {
	return filepath.Join(root, d.ExtractDir, d.BinaryPath)
}

// DataDir returns the chain's state directory under the data root.
func (d Definition) DataDir(root string) string {
	return filepath.Join(root, d.ID)
}

// TempFileName returns temp_<id> plus the archive suffix.
func (d Definition) TempFileName(kind ArchiveKind) string {
	if d.DirectBinary {
		return "temp_" + d.ID
	}
	return "temp_" + d.ID + kind.TempSuffix()
}

// TempFileCandidates lists every temp file name a download for this chain
// may have used. Cleanup removes all of them.
func (d Definition) TempFileCandidates() []string {
	return []string{
		"temp_" + d.ID,
		"temp_" + d.ID + ".zip",
		"temp_" + d.ID + ".tar.gz",
	}
}

// LaunchArgs assembles the process arguments: the definition's defaults,
// the data directory flag when configured, then caller-supplied extras.
func (d Definition) LaunchArgs(dataDir string, extra []string) []string {
	args := make([]string, 0, len(d.Args)+len(extra)+1)
	args = append(args, d.Args...)
	if d.DataDirFlag != "" && dataDir != "" {
		args = append(args, d.DataDirFlag+"="+dataDir)
	}
	return append(args, extra...)
}
