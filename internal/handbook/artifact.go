package handbook

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/gosimple/slug"

	"handbook/internal/domain"
)

const maxSlugLength = 60

// Run is the state recovered from an artifact.
type Run struct {
	Path         string
	Header       Header
	Sections     []SectionRecord
	Failure      *Failure
	Bibliography bool

	size  int64
	clean int64
}

// Cursor is the index (0-based) of the next section to write.
func (r *Run) Cursor() int { return len(r.Sections) }

// Total is the number of sections in the outline.
func (r *Run) Total() int { return len(r.Header.Sections) }

// TornBytes is the number of bytes after the last complete unit, including
// any failure marker. Open removes them.
func (r *Run) TornBytes() int64 { return r.size - r.clean }

func (r *Run) State() domain.RunState {
	switch {
	case r == nil:
		return domain.StateNotStarted
	case r.Bibliography:
		return domain.StateComplete
	case r.Failure != nil:
		return domain.StateFailed
	case len(r.Sections) == 0:
		return domain.StateOutlined
	default:
		return domain.StateGenerating
	}
}

// Citations returns the distinct documents cited across all sections in
// order of first citation.
func (r *Run) Citations() []Citation {
	seen := map[string]struct{}{}
	var out []Citation
	for _, s := range r.Sections {
		for _, c := range s.Citations {
			if _, ok := seen[c.DocumentID]; ok {
				continue
			}
			seen[c.DocumentID] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// PathFor is the artifact path for topic inside dir.
func PathFor(dir, topic string) string {
	s := slug.Make(topic)
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
		if i := strings.LastIndexByte(s, '-'); i > 0 {
			s = s[:i]
		}
	}
	if s == "" {
		s = "untitled"
	}
	return filepath.Join(dir, "handbook_"+s+".md")
}

// Load reads the artifact at path without locking it.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("handbook: %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("handbook: read %s: %w", path, err)
	}
	run, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	run.Path = path
	return run, nil
}

// Artifact is an artifact opened for writing. It holds an exclusive lock on
// <path>.lock until Close.
type Artifact struct {
	path string
	lock *flock.Flock
	file *os.File
	run  *Run
}

// Create writes the header of a new artifact. The header appears atomically;
// an existing file at path is an error.
func Create(path string, h Header) (*Artifact, error) {
	if len(h.Sections) == 0 {
		return nil, domain.Configf("handbook: outline has no sections")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("handbook: create output dir: %w", err)
	}
	lock, err := acquire(path)
	if err != nil {
		return nil, err
	}
	a, err := create(path, lock, h)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return a, nil
}

func create(path string, lock *flock.Flock, h Header) (*Artifact, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("handbook: %s: %w", path, fs.ErrExist)
	}
	content, err := renderHeader(h)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".handbook-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("handbook: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("handbook: write header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("handbook: sync header: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("handbook: close header: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("handbook: install header: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("handbook: open %s: %w", path, err)
	}
	size := int64(len(content))
	run := &Run{Path: path, Header: h, size: size, clean: size}
	return &Artifact{path: path, lock: lock, file: f, run: run}, nil
}

// Open locks an existing artifact for resuming. A torn tail or a failure
// marker after the last complete section is cut off first.
func Open(path string) (*Artifact, error) {
	lock, err := acquire(path)
	if err != nil {
		return nil, err
	}
	a, err := open(path, lock)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return a, nil
}

func open(path string, lock *flock.Flock) (*Artifact, error) {
	run, err := Load(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("handbook: open %s: %w", path, err)
	}
	if run.TornBytes() > 0 {
		if err := f.Truncate(run.clean); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("handbook: truncate %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("handbook: sync %s: %w", path, err)
		}
		run.size = run.clean
		run.Failure = nil
	}
	return &Artifact{path: path, lock: lock, file: f, run: run}, nil
}

func acquire(path string) (*flock.Flock, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("handbook: lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunLocked, path)
	}
	return lock, nil
}

func (a *Artifact) Path() string { return a.path }

// Run is the live view of the artifact. Callers must not modify it.
func (a *Artifact) Run() *Run { return a.run }

// AppendSection durably appends the next section. It returns only after the
// data has been flushed to disk.
func (a *Artifact) AppendSection(rec SectionRecord) error {
	if a.run.Bibliography {
		return fmt.Errorf("handbook: %s is already complete", a.path)
	}
	if a.run.Failure != nil {
		return fmt.Errorf("handbook: %s has a failure marker; reopen it to resume", a.path)
	}
	if want := a.run.Cursor() + 1; rec.Index != want {
		return fmt.Errorf("handbook: section %d appended out of order, expected %d", rec.Index, want)
	}
	content, err := renderSection(rec)
	if err != nil {
		return err
	}
	if err := a.write(content); err != nil {
		return err
	}
	rec.Body = strings.TrimSpace(escapeBody(rec.Body))
	a.run.Sections = append(a.run.Sections, rec)
	a.run.clean = a.run.size
	return nil
}

// AppendFailure records why the run stopped. The marker is dropped the next
// time the artifact is opened.
func (a *Artifact) AppendFailure(f Failure) error {
	content, err := renderFailure(f)
	if err != nil {
		return err
	}
	if err := a.write(content); err != nil {
		return err
	}
	a.run.Failure = &f
	return nil
}

// AppendBibliography closes the run.
func (a *Artifact) AppendBibliography(entries []Citation) error {
	if a.run.Bibliography {
		return nil
	}
	if err := a.write(renderBibliography(entries)); err != nil {
		return err
	}
	a.run.Bibliography = true
	a.run.clean = a.run.size
	return nil
}

func (a *Artifact) write(content string) error {
	n, err := a.file.WriteString(content)
	a.run.size += int64(n)
	if err != nil {
		return fmt.Errorf("handbook: append to %s: %w", a.path, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("handbook: sync %s: %w", a.path, err)
	}
	return nil
}

// Close releases the file and the lock.
func (a *Artifact) Close() error {
	return errors.Join(a.file.Close(), a.lock.Unlock())
}
