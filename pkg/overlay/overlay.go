// Package overlay implements the zip-backed read-only guest filesystem
// layer and its deletion journal: a peripheral collaborator of the
// translated-code cache, grounded on the original's FsZip (fszip.cpp).
// It carries no translation logic — it exists so cache-level code that
// names an "overlay" collaborator has a real type to call through.
package overlay

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/blackforge/xlate/pkg/btlog"
)

var log = btlog.WithComponent("overlay")

// Entry describes one file or directory inside the mounted zip archive.
type Entry struct {
	Path    string
	IsDir   bool
	Size    uint64
	ModTime int64
}

// Overlay is a read-only zip archive mounted at a guest path, with a
// newline-delimited deletion journal layered on top: Delete appends a
// path to the journal; Stat/Open consult it before falling through to
// the archive index, so a "deleted" file in the zip disappears from the
// guest's view without the archive itself being rewritten (fszip.cpp's
// deleteFilePath / readLinesFromFile).
type Overlay struct {
	mount       string
	archivePath string
	journalPath string

	mu      sync.RWMutex
	entries map[string]Entry
	deleted map[string]struct{}
	zr      *zip.ReadCloser
}

// Open mounts the zip archive at archivePath under guestMount, reading
// any existing deletion journal at journalPath.
func Open(archivePath, journalPath, guestMount string) (*Overlay, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("overlay: open archive %s: %w", archivePath, err)
	}

	o := &Overlay{
		mount:       guestMount,
		archivePath: archivePath,
		journalPath: journalPath,
		entries:     make(map[string]Entry),
		deleted:     make(map[string]struct{}),
		zr:          zr,
	}
	for _, f := range zr.File {
		p := normalize(guestMount, f.Name)
		o.entries[p] = Entry{
			Path:    p,
			IsDir:   strings.HasSuffix(f.Name, "/"),
			Size:    f.UncompressedSize64,
			ModTime: f.Modified.Unix(),
		}
	}
	deleted, err := readJournal(journalPath)
	if err != nil {
		zr.Close()
		return nil, err
	}
	for _, p := range deleted {
		o.deleted[p] = struct{}{}
	}
	return o, nil
}

// Close releases the underlying archive handle.
func (o *Overlay) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.zr.Close()
}

// Stat reports the entry at guestPath, or ok=false if it does not exist
// or has been deleted.
func (o *Overlay) Stat(guestPath string) (Entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if _, gone := o.deleted[guestPath]; gone {
		return Entry{}, false
	}
	e, ok := o.entries[guestPath]
	return e, ok
}

// Open returns a reader over the named file's decompressed content.
func (o *Overlay) Open(guestPath string) (io.ReadCloser, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if _, gone := o.deleted[guestPath]; gone {
		return nil, fmt.Errorf("overlay: %s: deleted", guestPath)
	}
	for _, f := range o.zr.File {
		if normalize(o.mount, f.Name) == guestPath {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("overlay: %s: not found", guestPath)
}

// Delete appends guestPath to the deletion journal, guarded by a
// cross-process file lock (github.com/gofrs/flock) so two processes
// mounting the same overlay never interleave writes to it.
func (o *Overlay) Delete(guestPath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.entries[guestPath]; !ok {
		return fmt.Errorf("overlay: delete %s: not present in archive", guestPath)
	}
	if _, already := o.deleted[guestPath]; already {
		return nil
	}

	lk := flock.New(o.journalPath + ".lock")
	if err := lk.Lock(); err != nil {
		return fmt.Errorf("overlay: lock journal: %w", err)
	}
	defer lk.Unlock()

	f, err := os.OpenFile(o.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("overlay: open journal: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, guestPath); err != nil {
		return fmt.Errorf("overlay: append journal: %w", err)
	}
	o.deleted[guestPath] = struct{}{}
	log.WithField("path", guestPath).Debug("overlay entry marked deleted")
	return nil
}

func readJournal(journalPath string) ([]string, error) {
	f, err := os.Open(journalPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("overlay: read journal: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func normalize(mount, zipName string) string {
	name := strings.TrimSuffix(zipName, "/")
	return path.Join(mount, name)
}
