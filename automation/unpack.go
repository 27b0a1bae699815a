package automation

import (
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/errors"
)

// packageMetadataExt marks the OPC core-properties entry every .nupkg carries
const packageMetadataExt = ".psmdcp"

// Unpack extracts the package archive at src into dst. Entry names are
// URL-unescaped, package metadata entries are skipped, and entries that
// would land outside dst are rejected.
func Unpack(src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		err = errors.Wrap(err, "failed to open package")
		return errors.WithDetail(err, fmt.Sprintf("Package: %s", src))
	}
	defer r.Close()

	root, err := filepath.Abs(dst)
	if err != nil {
		return errors.Wrap(err, "failed to resolve unpack directory")
	}
	if err := os.MkdirAll(root, am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", root)
	}

	for _, entry := range r.File {
		name, err := url.PathUnescape(entry.Name)
		if err != nil {
			name = entry.Name
		}
		if strings.HasSuffix(strings.ToLower(name), packageMetadataExt) {
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			err := errors.Newf("package entry %q escapes the unpack directory", entry.Name)
			return errors.WithDetail(err, fmt.Sprintf("Package: %s", src))
		}

		if entry.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(target, am.DefaultDirPermissions); err != nil {
				return errors.Wrapf(err, "failed to create %s", target)
			}
			continue
		}
		if err := extractEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(target))
	}

	in, err := entry.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open package entry %s", entry.Name)
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, am.DefaultFilePermissions)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", target)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to extract %s", entry.Name)
	}
	return out.Close()
}

// FindFile searches root recursively for a file with the given name
// (case-insensitive) and returns the first match in lexical order.
func FindFile(root, name string) (string, bool) {
	var found string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), name) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}
