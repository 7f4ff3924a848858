package chain

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultPlatformKey is the fallback key of per-platform maps.
const defaultPlatformKey = "default"

// platformMap holds per-OS values keyed by GOOS, with an optional "default".
type platformMap map[string]string

func (m platformMap) resolve(goos string) string {
	if v, ok := m[goos]; ok {
		return v
	}
	return m[defaultPlatformKey]
}

type fileRelease struct {
	Repo  string      `yaml:"repo"`
	Asset platformMap `yaml:"asset"`
}

type fileReadiness struct {
	Mode    string        `yaml:"mode"`
	Marker  string        `yaml:"marker"`
	Timeout time.Duration `yaml:"timeout"`
}

type fileRPC struct {
	URL         string `yaml:"url"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	ProbeMethod string `yaml:"probe_method"`
	StopMethod  string `yaml:"stop_method"`
}

type fileDefinition struct {
	ID             string        `yaml:"id"`
	DisplayName    string        `yaml:"display_name"`
	Binary         platformMap   `yaml:"binary"`
	ExtractDir     platformMap   `yaml:"extract_dir"`
	DownloadURL    platformMap   `yaml:"download_url"`
	GitHubRelease  *fileRelease  `yaml:"github_release"`
	Dependencies   []string      `yaml:"dependencies"`
	DirectBinary   bool          `yaml:"direct_binary"`
	Archive        string        `yaml:"archive"`
	Args           []string      `yaml:"args"`
	DataDirFlag    string        `yaml:"data_dir_flag"`
	Readiness      fileReadiness `yaml:"readiness"`
	RPC            *fileRPC      `yaml:"rpc"`
	Launch         platformMap   `yaml:"launch"`
	ProcessPattern string        `yaml:"process_pattern"`
}

type definitionsFile struct {
	Chains []fileDefinition `yaml:"chains"`
}

// Set is the immutable chain definitions table together with its graph.
type Set struct {
	defs  map[string]Definition
	order []string
	graph *Graph
}

// Load reads the definitions file at path and resolves it for the running OS.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chain definitions: %w", err)
	}
	return Parse(data, runtime.GOOS)
}

// Parse decodes a definitions document and resolves it for goos. Launch
// style and archive kind are chosen here, once, so nothing downstream
// branches on the platform again.
func Parse(data []byte, goos string) (*Set, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing chain definitions: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, fmt.Errorf("%w: no chains defined", ErrInvalidDefinition)
	}

	defs := make([]Definition, 0, len(f.Chains))
	for _, fd := range f.Chains {
		d, err := resolve(fd, goos)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return NewSet(defs)
}

// NewSet validates already-resolved definitions and builds the graph.
func NewSet(defs []Definition) (*Set, error) {
	s := &Set{defs: make(map[string]Definition, len(defs))}
	deps := make(map[string][]string, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: chain without id", ErrInvalidDefinition)
		}
		if _, dup := s.defs[d.ID]; dup {
			return nil, definitionf(d.ID, "duplicate id")
		}
		s.defs[d.ID] = d
		s.order = append(s.order, d.ID)
		deps[d.ID] = d.Dependencies
	}

	g, err := NewGraph(deps)
	if err != nil {
		return nil, err
	}
	s.graph = g
	return s, nil
}

// Get returns the definition for id.
func (s *Set) Get(id string) (Definition, error) {
	d, ok := s.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownChain, id)
	}
	return d, nil
}

// All returns the definitions in file order.
func (s *Set) All() []Definition {
	out := make([]Definition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.defs[id])
	}
	return out
}

// IDs returns chain IDs in file order.
func (s *Set) IDs() []string {
	return append([]string(nil), s.order...)
}

// Graph returns the dependency graph.
func (s *Set) Graph() *Graph {
	return s.graph
}

func resolve(fd fileDefinition, goos string) (Definition, error) {
	d := Definition{
		ID:             fd.ID,
		DisplayName:    fd.DisplayName,
		BinaryPath:     fd.Binary.resolve(goos),
		ExtractDir:     fd.ExtractDir.resolve(goos),
		DownloadURL:    fd.DownloadURL.resolve(goos),
		Dependencies:   append([]string(nil), fd.Dependencies...),
		DirectBinary:   fd.DirectBinary,
		Args:           append([]string(nil), fd.Args...),
		DataDirFlag:    fd.DataDirFlag,
		ProcessPattern: fd.ProcessPattern,
	}
	sort.Strings(d.Dependencies)

	if d.ID == "" {
		return Definition{}, fmt.Errorf("%w: chain without id", ErrInvalidDefinition)
	}
	if d.DisplayName == "" {
		d.DisplayName = d.ID
	}
	if d.BinaryPath == "" {
		return Definition{}, definitionf(d.ID, "no binary for platform %s", goos)
	}
	if d.ExtractDir == "" {
		d.ExtractDir = d.ID
	}

	if d.DownloadURL == "" {
		if fd.GitHubRelease == nil || fd.GitHubRelease.Repo == "" {
			return Definition{}, definitionf(d.ID, "no download_url or github_release for platform %s", goos)
		}
		pattern := fd.GitHubRelease.Asset.resolve(goos)
		if pattern == "" {
			return Definition{}, definitionf(d.ID, "github_release has no asset pattern for platform %s", goos)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Definition{}, definitionf(d.ID, "asset pattern: %v", err)
		}
		d.Release = &Release{Repo: fd.GitHubRelease.Repo, Asset: re}
	}

	d.Launch = LaunchExec
	if LaunchStyle(fd.Launch.resolve(goos)) == LaunchAppBundle {
		if goos != "darwin" {
			return Definition{}, definitionf(d.ID, "app_bundle launch is only supported on darwin")
		}
		d.Launch = LaunchAppBundle
		if d.ProcessPattern == "" {
			d.ProcessPattern = d.BinaryPath
		}
	}

	kind, err := resolveArchive(fd, d)
	if err != nil {
		return Definition{}, err
	}
	d.Archive = kind

	readiness, err := resolveReadiness(fd, d)
	if err != nil {
		return Definition{}, err
	}
	d.Readiness = readiness

	if fd.RPC != nil {
		d.RPC = &RPC{
			URL:         fd.RPC.URL,
			User:        fd.RPC.User,
			Password:    fd.RPC.Password,
			ProbeMethod: fd.RPC.ProbeMethod,
			StopMethod:  fd.RPC.StopMethod,
		}
		if d.RPC.URL == "" {
			return Definition{}, definitionf(d.ID, "rpc.url is required when rpc is set")
		}
	}
	if d.Readiness.Mode.UsesProbe() && (d.RPC == nil || d.RPC.ProbeMethod == "") {
		return Definition{}, definitionf(d.ID, "readiness mode %s needs rpc.probe_method", d.Readiness.Mode)
	}

	return d, nil
}

func resolveArchive(fd fileDefinition, d Definition) (ArchiveKind, error) {
	if d.DirectBinary {
		return ArchiveNone, nil
	}
	if d.Launch == LaunchAppBundle {
		return ArchiveAppBundle, nil
	}

	switch ArchiveKind(fd.Archive) {
	case ArchiveZip, ArchiveTarGz:
		return ArchiveKind(fd.Archive), nil
	case ArchiveAppBundle:
		return "", definitionf(d.ID, "archive app_bundle requires launch app_bundle")
	case "", ArchiveAuto:
		if d.DownloadURL != "" {
			if kind := KindFromName(d.DownloadURL); kind != ArchiveNone {
				return kind, nil
			}
			return "", definitionf(d.ID, "cannot infer archive kind from %q; set archive or direct_binary", d.DownloadURL)
		}
		return ArchiveAuto, nil
	default:
		return "", definitionf(d.ID, "unknown archive kind %q", fd.Archive)
	}
}

func resolveReadiness(fd fileDefinition, d Definition) (Readiness, error) {
	r := Readiness{Mode: ReadinessMode(fd.Readiness.Mode), Timeout: fd.Readiness.Timeout}
	if r.Mode == "" {
		r.Mode = ReadyFirstOutput
	}
	switch r.Mode {
	case ReadyFirstOutput, ReadyLogMarker, ReadyProbe, ReadyMarkerOrProbe:
	default:
		return Readiness{}, definitionf(d.ID, "unknown readiness mode %q", fd.Readiness.Mode)
	}
	if r.Timeout < 0 {
		return Readiness{}, definitionf(d.ID, "readiness timeout must not be negative")
	}

	if r.Mode.UsesMarker() {
		if fd.Readiness.Marker == "" {
			return Readiness{}, definitionf(d.ID, "readiness mode %s needs a marker", r.Mode)
		}
		re, err := regexp.Compile(fd.Readiness.Marker)
		if err != nil {
			return Readiness{}, definitionf(d.ID, "readiness marker: %v", err)
		}
		r.Marker = re
	}

	// An app bundle has no output pipe; the first successful liveness check
	// stands in for first output.
	if d.Launch == LaunchAppBundle && r.Mode != ReadyFirstOutput {
		return Readiness{}, definitionf(d.ID, "app_bundle launches only support first_output readiness")
	}
	return r, nil
}
