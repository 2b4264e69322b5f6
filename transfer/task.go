// Package transfer runs the WebSocket/HTTPS leg of a session: signalling,
// chunked download, and the per-session TLS identity.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Tinnci/cattysend/wire"
)

// ChunkSize is the read/write granularity of the HTTP stream. The server
// flushes after each chunk so progress is visible on both sides.
const ChunkSize = 64 * 1024

// Task states.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskAccepted
	TaskInProgress
	TaskCompleted
	TaskFailed
	TaskCancelled
)

// String names the state for logs.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAccepted:
		return "accepted"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FileEntry is one source file owned by the sending side.
type FileEntry struct {
	Path         string
	Name         string
	Size         int64
	ModifiedTime int64
}

// Task is one in-flight send. The sender owns the source paths.
type Task struct {
	ID        string
	Files     []FileEntry
	TotalSize int64
	Thumbnail string
}

// NewTask stats the given paths and builds a task with a fresh UUIDv4 id.
func NewTask(paths []string) (*Task, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("transfer: no files given")
	}

	task := &Task{ID: uuid.NewString()}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("transfer: %q is a directory", path)
		}
		task.Files = append(task.Files, FileEntry{
			Path:         path,
			Name:         filepath.Base(path),
			Size:         info.Size(),
			ModifiedTime: info.ModTime().UnixMilli(),
		})
		task.TotalSize += info.Size()
	}
	return task, nil
}

// PackageType reports the sendRequest packaging for this task.
func (t *Task) PackageType() string {
	if len(t.Files) > 1 {
		return wire.PackageTypeMulti
	}
	return wire.PackageTypeSingle
}

// SendRequest builds the signalling offer for this task.
func (t *Task) SendRequest(senderDevice string) wire.SendRequestData {
	files := make([]wire.FileMeta, 0, len(t.Files))
	for _, entry := range t.Files {
		files = append(files, wire.FileMeta{
			Name:         entry.Name,
			Size:         entry.Size,
			ModifiedTime: entry.ModifiedTime,
		})
	}
	return wire.SendRequestData{
		Files:        files,
		TotalSize:    t.TotalSize,
		TotalFiles:   len(t.Files),
		PackageType:  t.PackageType(),
		Thumbnail:    t.Thumbnail,
		SenderDevice: senderDevice,
	}
}
