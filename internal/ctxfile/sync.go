package ctxfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/contextfile/internal/consumer"
)

var (
	// ErrFileFormat marks a context file whose managed markers are missing a
	// counterpart, duplicated, or out of order. Sync aborts without writing.
	ErrFileFormat = errors.New("context file format error")
	// ErrStorage marks an I/O failure while reading or atomically replacing
	// the context file. The file on disk is left untouched.
	ErrStorage = errors.New("context file storage error")
)

// MarkerError reports exactly what is wrong with the managed markers.
type MarkerError struct {
	Path   string
	Reason string
}

func (e *MarkerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *MarkerError) Is(target error) bool {
	return target == ErrFileFormat
}

// SyncStatus reports what one sync attempt did to the file.
type SyncStatus string

const (
	StatusWritten SyncStatus = "written"
	StatusNoOp    SyncStatus = "no-op"
)

type SyncResult struct {
	Status   SyncStatus
	Path     string
	SyncedAt time.Time
}

type SynchronizerOptions struct {
	// FileMode is applied to a context file the synchronizer creates.
	// Existing files keep their mode.
	FileMode os.FileMode
	Logger   Logger
	Now      func() time.Time
}

type Logger interface {
	Printf(format string, args ...any)
}

// Synchronizer merges rendered snapshots into context files. Syncs against
// the same path serialize on a per-path lock; different paths do not contend.
type Synchronizer struct {
	fileMode os.FileMode
	logger   Logger
	now      func() time.Time

	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

func NewSynchronizer(opts SynchronizerOptions) *Synchronizer {
	fileMode := opts.FileMode
	if fileMode == 0 {
		fileMode = 0o644
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{
		fileMode: fileMode,
		logger:   opts.Logger,
		now:      now,
		paths:    map[string]*sync.Mutex{},
	}
}

// Sync renders the snapshot and replaces the managed region of the file at
// path. A file without markers gets the region appended; a file whose body
// already matches is left byte-for-byte untouched. The region is replaced via
// a temp file and rename so readers never observe a half-written file.
func (s *Synchronizer) Sync(path string, snap consumer.Snapshot) (SyncResult, error) {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	syncedAt := s.now().UTC()
	result := SyncResult{Status: StatusNoOp, Path: path, SyncedAt: syncedAt}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}

	section := RenderSection(snap, syncedAt)
	updated, changed, err := spliceSection(path, string(existing), section)
	if err != nil {
		return result, err
	}
	if !changed {
		return result, nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return result, fmt.Errorf("%w: mkdir %s: %v", ErrStorage, dir, mkErr)
		}
	}
	mode := s.fileMode
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	}
	if writeErr := writeFileAtomic(path, []byte(updated), mode); writeErr != nil {
		return result, fmt.Errorf("%w: write %s: %v", ErrStorage, path, writeErr)
	}
	result.Status = StatusWritten
	return result, nil
}

// spliceSection returns the updated file content and whether it differs from
// what is on disk. Everything outside the managed region is preserved
// byte-for-byte.
func spliceSection(path, existing, section string) (string, bool, error) {
	if existing == "" {
		return section + "\n", true, nil
	}

	start := strings.Index(existing, StartMarker)
	end := strings.Index(existing, EndMarker)

	switch {
	case start < 0 && end < 0:
		// Append the managed region to a file that never had one.
		updated := existing
		if !strings.HasSuffix(updated, "\n") {
			updated += "\n"
		}
		updated += "\n" + section + "\n"
		return updated, true, nil
	case start < 0:
		return "", false, &MarkerError{Path: path, Reason: "end marker without start marker"}
	case end < 0:
		return "", false, &MarkerError{Path: path, Reason: "start marker without end marker"}
	case end < start:
		return "", false, &MarkerError{Path: path, Reason: "managed markers out of order"}
	}
	if strings.Contains(existing[start+len(StartMarker):], StartMarker) {
		return "", false, &MarkerError{Path: path, Reason: "duplicate start marker"}
	}
	if strings.Contains(existing[end+len(EndMarker):], EndMarker) {
		return "", false, &MarkerError{Path: path, Reason: "duplicate end marker"}
	}

	current := existing[start : end+len(EndMarker)]
	if stripLastSync(current) == stripLastSync(section) {
		return existing, false, nil
	}
	updated := existing[:start] + section + existing[end+len(EndMarker):]
	return updated, true, nil
}

func (s *Synchronizer) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.paths[path]
	if !ok {
		lock = &sync.Mutex{}
		s.paths[path] = lock
	}
	return lock
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
