package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// ZipStrategy unpacks .zip archives.
type ZipStrategy struct{}

// Extract implements Strategy.
func (ZipStrategy) Extract(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractZipEntry(f, destDir); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, destDir string) error {
	target, err := safeJoin(destDir, f.Name)
	if err != nil {
		return err
	}

	mode := f.Mode()
	switch {
	case mode.IsDir():
		return os.MkdirAll(target, 0o755)
	case mode&fs.ModeSymlink != 0:
		rc, err := f.Open()
		if err != nil {
			return err
		}
		link, err := io.ReadAll(io.LimitReader(rc, 4096))
		rc.Close()
		if err != nil {
			return err
		}
		return writeSymlink(destDir, target, string(link))
	default:
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		return writeFile(target, rc, mode.Perm())
	}
}

// TarGzStrategy streams .tar.gz archives.
type TarGzStrategy struct{}

// Extract implements Strategy.
func (TarGzStrategy) Extract(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip.NewReader failed: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		if err := extractTarEntry(header, tr, destDir); err != nil {
			return fmt.Errorf("extracting %s: %w", header.Name, err)
		}
	}
}

func extractTarEntry(header *tar.Header, r io.Reader, destDir string) error {
	// pax global headers and AppleDouble files carry no content.
	if header.Typeflag == tar.TypeXGlobalHeader || strings.HasPrefix(filepath.Base(header.Name), "._") {
		return nil
	}

	target, err := safeJoin(destDir, header.Name)
	if err != nil {
		return err
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeReg:
		return writeFile(target, r, os.FileMode(header.Mode))
	case tar.TypeSymlink:
		return writeSymlink(destDir, target, header.Linkname)
	case tar.TypeLink:
		src, err := safeJoin(destDir, header.Linkname)
		if err != nil {
			return err
		}
		_ = os.Remove(target) //nolint:errcheck // absent is fine
		return os.Link(src, target)
	default:
		// Devices, fifos and the like have no place in a release archive.
		return nil
	}
}

// AppBundleStrategy unpacks a zipped macOS .app with ditto, which keeps the
// bundle's symlinks, resource forks and signatures intact, then restores the
// executable bits of everything under Contents/MacOS.
type AppBundleStrategy struct {
	Runner CommandRunner
}

// Extract implements Strategy.
func (s AppBundleStrategy) Extract(ctx context.Context, archivePath, destDir string) error {
	if out, err := s.Runner.Run(ctx, "ditto", "-x", "-k", archivePath, destDir); err != nil {
		return fmt.Errorf("ditto: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return FixBundlePermissions(destDir)
}

// FixBundlePermissions adds execute permission to every regular file inside
// a */Contents/MacOS directory below root.
func FixBundlePermissions(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != "MacOS" ||
			filepath.Base(filepath.Dir(filepath.Dir(path))) != "Contents" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()|0o111)
	})
}
