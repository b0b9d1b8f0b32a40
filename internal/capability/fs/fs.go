// Package fs is the filesystem capability module: the box/ and web/
// surface a script reaches via $g or a require("fs") import. Every
// path it's given is resolved through the Path Resolver (spec §4.A)
// before touching disk, so a script can never escape its own app.
//
// Grounded on the teacher's internal/persistence/file_volume_manager.go,
// which centralises all disk access for a volume behind a narrow
// interface rather than letting callers build paths themselves.
package fs

import (
	"os"
	"path/filepath"

	"boxhost/internal/boxerr"
	"boxhost/internal/pathresolver"
)

// Capability is the per-request filesystem surface granted to a script
// holding the "fs" permission (spec §4.D protected modules).
type Capability struct {
	roots     pathresolver.Roots
	scope     pathresolver.Scope
	scriptDir string
}

func New(roots pathresolver.Roots, scope pathresolver.Scope, scriptDir string) *Capability {
	return &Capability{roots: roots, scope: scope, scriptDir: scriptDir}
}

func (c *Capability) resolve(userPath string) (string, error) {
	return pathresolver.Resolve(c.roots, c.scope, c.scriptDir, userPath)
}

// ReadFile resolves path and returns its contents.
func (c *Capability) ReadFile(path string) ([]byte, error) {
	abs, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "fs: %s", path)
		}
		return nil, boxerr.Newf(boxerr.KindBackend, err, "fs: reading %s", path)
	}
	return data, nil
}

// WriteFile resolves path and writes data, creating parent directories
// as needed within the resolved root.
func (c *Capability) WriteFile(path string, data []byte, perm os.FileMode) error {
	abs, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return boxerr.Newf(boxerr.KindBackend, err, "fs: creating parent dir for %s", path)
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		return boxerr.Newf(boxerr.KindBackend, err, "fs: writing %s", path)
	}
	return nil
}

// Remove deletes the file or empty directory at path.
func (c *Capability) Remove(path string) error {
	abs, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "fs: %s", path)
		}
		return boxerr.Newf(boxerr.KindBackend, err, "fs: removing %s", path)
	}
	return nil
}

// Stat reports whether path exists and whether it is a directory.
func (c *Capability) Stat(path string) (exists bool, isDir bool, err error) {
	abs, rerr := c.resolve(path)
	if rerr != nil {
		return false, false, rerr
	}
	info, serr := os.Stat(abs)
	if serr != nil {
		if os.IsNotExist(serr) {
			return false, false, nil
		}
		return false, false, boxerr.Newf(boxerr.KindBackend, serr, "fs: stat %s", path)
	}
	return true, info.IsDir(), nil
}

// List returns the entry names of the directory at path.
func (c *Capability) List(path string) ([]string, error) {
	abs, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, boxerr.Newf(boxerr.KindNotFound, boxerr.NotFound, "fs: %s", path)
		}
		return nil, boxerr.Newf(boxerr.KindBackend, err, "fs: listing %s", path)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}
