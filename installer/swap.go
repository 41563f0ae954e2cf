package installer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// errNullByte marks a text file that contains a null byte.
var errNullByte = errors.New("text file contains null bytes")

// errTooLarge marks an entry whose content exceeds its declared size limit.
var errTooLarge = errors.New("file content exceeds the size limit")

// stagingDir returns a fresh sibling directory of the live directory, so the
// final rename never crosses filesystems.
func stagingDir(root, slug string) string {
	return filepath.Join(root, ".staging-"+slug+"-"+uuid.New().String())
}

func backupDir(root, slug string) string {
	return filepath.Join(root, ".backup-"+slug+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
}

// writeFile copies one archive entry into the staging tree. Text files are
// scanned for null bytes while they are copied.
func writeFile(stage string, f plannedFile, maxBytes int64) error {
	dest := filepath.Join(stage, filepath.FromSlash(f.rel))
	if !isWithin(dest, stage) {
		return fmt.Errorf("entry %s escapes the staging directory", f.rel)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := f.entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	var src io.Reader = rc
	if maxBytes > 0 {
		src = io.LimitReader(rc, maxBytes+1)
	}
	var w io.Writer = out
	var scan *nullScanner
	if f.text {
		scan = &nullScanner{}
		w = io.MultiWriter(out, scan)
	}
	n, copyErr := io.Copy(w, src)
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		return copyErr
	case closeErr != nil:
		return closeErr
	case maxBytes > 0 && n > maxBytes:
		return errTooLarge
	case scan != nil && scan.found:
		return errNullByte
	}
	return nil
}

type nullScanner struct{ found bool }

func (s *nullScanner) Write(p []byte) (int, error) {
	if !s.found && bytes.IndexByte(p, 0) >= 0 {
		s.found = true
	}
	return len(p), nil
}

// swapStep records one replaced live directory so it can be undone.
type swapStep struct {
	live   string
	backup string // empty when no live directory existed
	staged bool   // a staged directory was renamed into live
}

// swapIn replaces live with staging. An existing live directory is renamed
// to a backup first; when the second rename fails the backup is renamed
// back. staging may be empty, in which case an existing live directory is
// only moved to a backup.
func swapIn(root, slug, live, staging string) (swapStep, error) {
	step := swapStep{live: live}
	if exists(live) {
		step.backup = backupDir(root, slug)
		if err := os.Rename(live, step.backup); err != nil {
			return swapStep{}, fmt.Errorf("failed to move %s aside: %w", live, err)
		}
	}
	if staging == "" {
		return step, nil
	}
	if err := os.Rename(staging, live); err != nil {
		if step.backup != "" {
			if rerr := os.Rename(step.backup, live); rerr != nil {
				return swapStep{}, fmt.Errorf("failed to activate %s: %w (restoring backup also failed: %v)", live, err, rerr)
			}
		}
		return swapStep{}, fmt.Errorf("failed to activate %s: %w", live, err)
	}
	step.staged = true
	return step, nil
}

// undo restores the state before the step.
func (s swapStep) undo() error {
	if s.staged {
		if err := os.RemoveAll(s.live); err != nil {
			return err
		}
	}
	if s.backup != "" {
		return os.Rename(s.backup, s.live)
	}
	return nil
}

// commit discards the backup kept by the step.
func (s swapStep) commit() error {
	if s.backup == "" {
		return nil
	}
	return os.RemoveAll(s.backup)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// isWithin reports whether p is root or below it.
func isWithin(p, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}
