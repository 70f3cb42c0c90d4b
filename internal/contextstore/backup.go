package contextstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"
)

// backupDirName is the subdirectory of the contexts directory that holds
// timestamped backups. Backups are append-only; the store never deletes or
// rotates them.
const backupDirName = "backups"

// backupTimeFormat produces <name>_YYYYMMDD_HHMMSS.json backup filenames.
const backupTimeFormat = "20060102_150405"

// backupFile copies the current on-disk file for name into the backups
// directory before an overwrite. It returns the backup path, or ok=false
// when there is nothing to back up (a valid precondition for create) or the
// copy failed. Backups are a best-effort safety net: any I/O failure is
// logged and reported as "no backup produced", never surfaced as an error
// to the triggering mutation.
func (s *Store) backupFile(name string) (string, bool) {
	src := s.documentPath(name)
	info, err := os.Stat(src)
	if err != nil {
		return "", false // nothing to back up
	}

	dir := filepath.Join(s.dir, backupDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[store] backup dir for %q: %v", name, err)
		return "", false
	}

	data, err := os.ReadFile(src)
	if err != nil {
		log.Printf("[store] backup read %q: %v", name, err)
		return "", false
	}

	// Timestamps have second resolution; a second mutation within the same
	// second must not truncate the first backup, so create exclusively and
	// fall back to a numbered suffix on collision.
	base := filepath.Join(dir, fmt.Sprintf("%s_%s", name, s.now().Format(backupTimeFormat)))
	dst := base + ".json"
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	for n := 2; errors.Is(err, fs.ErrExist); n++ {
		dst = fmt.Sprintf("%s_%d.json", base, n)
		f, err = os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	}
	if err != nil {
		log.Printf("[store] backup write %q: %v", name, err)
		return "", false
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		log.Printf("[store] backup write %q: %v", name, err)
		return "", false
	}
	if err := f.Close(); err != nil {
		log.Printf("[store] backup write %q: %v", name, err)
		return "", false
	}
	// Preserve the original timestamps so a backup reflects the file it
	// replaced, not the moment of the mutation.
	if err := os.Chtimes(dst, time.Now(), info.ModTime()); err != nil {
		log.Printf("[store] backup chtimes %q: %v", name, err)
	}
	return dst, true
}
