// Package sessionbuffer provides the durable per-job event log: append-only
// JSONL session files with synchronous flush, a per-job session counter, and
// crash recovery that tolerates partially written trailing lines.
//
// Layout on disk:
//
//	<root>/<jobID>/metadata.json           current session counter
//	<root>/<jobID>/session-001.jsonl       one SessionEvent per line
//	<root>/<jobID>/session-002.jsonl       next resume in a new process
//
// The buffer is the sole writer of its files. One Writer exists per job at a
// time; Append assigns sequence numbers and fsyncs before returning.
package sessionbuffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/errclass"
	"github.com/droverhq/drover/pkg/models"
)

var (
	// ErrNoSessions indicates a job has no session files to recover.
	ErrNoSessions = errors.New("no session files for job")
	// ErrWriterClosed indicates an append after Close.
	ErrWriterClosed = errors.New("session writer is closed")
)

const metadataFile = "metadata.json"

type metadata struct {
	SessionCounter int `json:"sessionCounter"`
}

// Manager owns the buffer root directory and the registry of open writers.
type Manager struct {
	root string

	mu      sync.Mutex
	writers map[string]*Writer
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("session buffer root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer root: %w", err)
	}
	return &Manager{
		root:    dir,
		writers: make(map[string]*Writer),
	}, nil
}

// Root returns the buffer root directory.
func (m *Manager) Root() string {
	return m.root
}

// Open starts a new session file for the job and returns its writer. The
// session counter is advanced and persisted; an existing open writer for the
// same job is closed first (a job has exactly one writer).
func (m *Manager) Open(jobID string) (*Writer, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.writers[jobID]; ok {
		_ = prev.Close()
	}

	dir := filepath.Join(m.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}

	// O_EXCL guards against a stale counter after a lost metadata write:
	// bump until the file name is actually free.
	var file *os.File
	counter := meta.SessionCounter
	for {
		counter++
		name := filepath.Join(dir, sessionFileName(counter))
		file, err = os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create session file: %w", err)
		}
	}

	if err := writeMetadata(dir, metadata{SessionCounter: counter}); err != nil {
		_ = file.Close()
		return nil, err
	}

	w := &Writer{
		jobID:   jobID,
		path:    file.Name(),
		file:    file,
		onClose: func() { m.forget(jobID) },
	}
	m.writers[jobID] = w
	return w, nil
}

// Close closes the open writer for a job, if any.
func (m *Manager) Close(jobID string) error {
	m.mu.Lock()
	w, ok := m.writers[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// CloseAll closes every open writer. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	writers := make([]*Writer, 0, len(m.writers))
	for _, w := range m.writers {
		writers = append(writers, w)
	}
	m.mu.Unlock()

	for _, w := range writers {
		_ = w.Close()
	}
}

// Purge removes a job's directory and everything in it. The job must not
// have an open writer.
func (m *Manager) Purge(jobID string) error {
	m.mu.Lock()
	_, open := m.writers[jobID]
	m.mu.Unlock()
	if open {
		return fmt.Errorf("job %s has an open writer", jobID)
	}
	return os.RemoveAll(filepath.Join(m.root, jobID))
}

// Jobs lists the job IDs present under the buffer root.
func (m *Manager) Jobs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read buffer root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	delete(m.writers, jobID)
	m.mu.Unlock()
}

// Writer appends events to one session file. Safe for concurrent use,
// though a job has a single logical writer.
type Writer struct {
	jobID   string
	path    string
	onClose func()

	mu     sync.Mutex
	file   *os.File
	seq    int64
	closed bool
}

// Path returns the session file path.
func (w *Writer) Path() string {
	return w.path
}

// Append assigns the next sequence, stamps the event, writes one JSON line,
// and flushes to stable storage before returning. Failed appends are
// classified for the scheduler (disk errors are retryable).
func (w *Writer) Append(event *models.SessionEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	event.JobID = w.jobID
	event.Sequence = w.seq + 1
	if event.Version == 0 {
		event.Version = models.SessionEventVersion
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return retryableAppendError(err)
	}
	if err := w.file.Sync(); err != nil {
		return retryableAppendError(err)
	}

	w.seq = event.Sequence
	return nil
}

// Close flushes and closes the session file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.file.Close()
	w.mu.Unlock()

	if w.onClose != nil {
		w.onClose()
	}
	return err
}

// retryableAppendError classifies a failed write so the scheduler retries it.
// ENOSPC maps to the resource class; anything unrecognized is still treated
// as transient rather than permanent.
func retryableAppendError(err error) error {
	class := errclass.ClassOf(err)
	if class == errclass.Unknown || class == errclass.Permanent {
		class = errclass.Transient
	}
	return errclass.New(class, fmt.Errorf("append event: %w", err))
}

func sessionFileName(counter int) string {
	return fmt.Sprintf("session-%03d.jsonl", counter)
}

func readMetadata(dir string) (metadata, error) {
	var meta metadata
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, nil
		}
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		// Corrupt metadata falls back to counter discovery via O_EXCL.
		return metadata{}, nil
	}
	return meta, nil
}

func writeMetadata(dir string, meta metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}
