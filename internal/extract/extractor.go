package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/nerrad567/chainkeeper/internal/chain"
)

var (
	// ErrUnsupportedArchive is returned for archive kinds with no strategy.
	ErrUnsupportedArchive = errors.New("unsupported archive kind")

	// ErrUnsafePath is returned for entries that would land outside destDir.
	ErrUnsafePath = errors.New("archive entry escapes destination")
)

// Strategy unpacks one archive format.
type Strategy interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// CommandRunner runs an external tool to completion. The app-bundle
// strategy uses it so tests never execute ditto.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec, returning combined output.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Extractor selects a Strategy by archive kind.
type Extractor struct {
	strategies map[chain.ArchiveKind]Strategy
}

// New returns an Extractor with the zip and tar.gz strategies and, when
// runner is non-nil, the app-bundle strategy.
func New(runner CommandRunner) *Extractor {
	e := &Extractor{strategies: map[chain.ArchiveKind]Strategy{
		chain.ArchiveZip:   ZipStrategy{},
		chain.ArchiveTarGz: TarGzStrategy{},
	}}
	if runner != nil {
		e.strategies[chain.ArchiveAppBundle] = AppBundleStrategy{Runner: runner}
	}
	return e
}

// Register installs or replaces the strategy for kind.
func (e *Extractor) Register(kind chain.ArchiveKind, s Strategy) {
	e.strategies[kind] = s
}

// Extract unpacks archivePath into destDir. Failures are returned verbatim;
// partial output in destDir is left for the chain reset to remove.
func (e *Extractor) Extract(ctx context.Context, kind chain.ArchiveKind, archivePath, destDir string) error {
	if kind == chain.ArchiveAuto {
		kind = chain.KindFromName(archivePath)
	}
	s, ok := e.strategies[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedArchive, kind)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}
	return s.Extract(ctx, archivePath, destDir)
}

// InstallBinary moves a downloaded direct binary to dest and marks it
// executable on POSIX systems.
func InstallBinary(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := os.Rename(src, dest); err != nil {
		// Temp and install dirs may sit on different filesystems.
		if copyErr := copyFile(src, dest); copyErr != nil {
			return fmt.Errorf("installing binary: %w", errors.Join(err, copyErr))
		}
		_ = os.Remove(src) //nolint:errcheck // best-effort temp cleanup
	}
	return MakeExecutable(dest)
}

// MakeExecutable sets mode 0755 on path. It is a no-op on Windows.
func MakeExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins an archive entry name onto destDir, rejecting names that
// resolve outside it.
func safeJoin(destDir, name string) (string, error) {
	root := filepath.Clean(destDir)
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

// checkLinkTarget rejects symlinks pointing outside destDir.
func checkLinkTarget(destDir, linkPath, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("%w: absolute link %q", ErrUnsafePath, target)
	}
	root := filepath.Clean(destDir)
	resolved := filepath.Join(filepath.Dir(linkPath), target)
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: link %q -> %q", ErrUnsafePath, linkPath, target)
	}
	return nil
}

// writeFile streams r into path with the given mode, creating parents.
func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if mode&0o777 == 0 {
		mode = 0o644
	}
	return os.Chmod(path, mode&0o777)
}

// writeSymlink replaces any existing entry at path with a symlink.
func writeSymlink(destDir, path, target string) error {
	if err := checkLinkTarget(destDir, path, target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_ = os.Remove(path) //nolint:errcheck // absent is fine
	return os.Symlink(target, path)
}
