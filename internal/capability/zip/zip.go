// Package zip is the archive capability module: the require("zip")
// surface granted to scripts holding the "zip" permission (spec §4.D
// protected modules). Grounded on archive/zip, the same package the
// Lifecycle Manager uses for .gin package extraction.
package zip

import (
	"archive/zip"
	"bytes"
	"io"

	"boxhost/internal/boxerr"
)

// Entry is one file inside an archive, decoded into memory.
type Entry struct {
	Name string
	Data []byte
}

// Capability is the per-script archive handle.
type Capability struct{}

func New() *Capability { return &Capability{} }

// Unzip decodes every entry of a zip archive held in memory.
func (c *Capability) Unzip(data []byte) ([]Entry, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, boxerr.Newf(boxerr.KindValidation, err, "zip: invalid archive")
	}
	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, boxerr.Newf(boxerr.KindBackend, err, "zip: opening %s", f.Name)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, boxerr.Newf(boxerr.KindBackend, err, "zip: reading %s", f.Name)
		}
		entries = append(entries, Entry{Name: f.Name, Data: content})
	}
	return entries, nil
}

// Zip builds an in-memory zip archive from the given entries.
func (c *Capability) Zip(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.Create(e.Name)
		if err != nil {
			return nil, boxerr.Newf(boxerr.KindBackend, err, "zip: creating %s", e.Name)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return nil, boxerr.Newf(boxerr.KindBackend, err, "zip: writing %s", e.Name)
		}
	}
	if err := w.Close(); err != nil {
		return nil, boxerr.Newf(boxerr.KindBackend, err, "zip: closing archive")
	}
	return buf.Bytes(), nil
}
