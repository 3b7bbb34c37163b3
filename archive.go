package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrArchiveCollision is returned when two archive members flatten to the same file name.
var ErrArchiveCollision = errors.New("archive members share a base name")

// extractArchive writes every regular file of the zip at archivePath into destDir,
// dropping member directories. Directory entries are skipped. Two members with
// the same base name fail the extraction before anything is written.
func extractArchive(archivePath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", archivePath, err)
	}
	defer zr.Close()

	members, err := flattenMembers(zr.File)
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, len(members))
	for _, m := range members {
		dst := filepath.Join(destDir, m.base)
		if err := extractMember(m.file, dst); err != nil {
			return written, err
		}
		written = append(written, dst)
	}
	return written, nil
}

type flatMember struct {
	file *zip.File
	base string
}

// flattenMembers maps regular-file members to their base names.
func flattenMembers(files []*zip.File) ([]flatMember, error) {
	seen := make(map[string]string, len(files))
	var out []flatMember
	for _, f := range files {
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		// Zip names always use forward slashes; some writers emit backslashes anyway.
		base := path.Base(strings.ReplaceAll(f.Name, `\`, "/"))
		if base == "" || base == "." || base == ".." || base == "/" {
			return nil, fmt.Errorf("archive member %q has no usable file name", f.Name)
		}
		if prev, ok := seen[base]; ok {
			return nil, fmt.Errorf("%w: %q and %q", ErrArchiveCollision, prev, f.Name)
		}
		seen[base] = f.Name
		out = append(out, flatMember{file: f, base: base})
	}
	return out, nil
}

func extractMember(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}
