// Package queue implements the six durable, cross-process queue
// directories (spec §4.3/§6): incoming, processing, outgoing,
// dead-letter, commands, status. All transitions are atomic renames
// within a single root; all publishes are write-temp-then-rename.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

const (
	DirIncoming   = "incoming"
	DirProcessing = "processing"
	DirOutgoing   = "outgoing"
	DirDeadLetter = "dead-letter"
	DirCommands   = "commands"
	DirStatus     = "status"
)

// Dirs is the queue/ subtree under the borg root.
type Dirs struct {
	Root string
}

// New returns a Dirs rooted at queueDir (".borg/queue").
func New(queueDir string) *Dirs {
	return &Dirs{Root: queueDir}
}

// EnsureAll creates every queue subdirectory.
func (d *Dirs) EnsureAll() error {
	for _, name := range []string{DirIncoming, DirProcessing, DirOutgoing, DirDeadLetter, DirCommands, DirStatus} {
		if err := os.MkdirAll(d.Path(name), 0o755); err != nil {
			return fmt.Errorf("queue: mkdir %s: %w", name, err)
		}
	}
	return nil
}

// Path returns the absolute path of one of the six directories.
func (d *Dirs) Path(dir string) string { return filepath.Join(d.Root, dir) }

// File is a polled queue entry: its path, base filename, and mtime.
type File struct {
	Path    string
	Name    string
	ModTime time.Time
}

// List returns every "*.json" file directly under dir, unsorted.
func (d *Dirs) List(dir string) ([]File, error) {
	entries, err := os.ReadDir(d.Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: readdir %s: %w", dir, err)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Path:    filepath.Join(d.Path(dir), e.Name()),
			Name:    e.Name(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

// ListOrdered returns incoming/ files sorted with strict priority
// (non-heartbeat before heartbeat) and FIFO (earliest mtime first)
// within each class (spec §4.8 step 4, §8 invariants 4-5).
func (d *Dirs) ListOrdered() ([]File, error) {
	files, err := d.List(DirIncoming)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		hi, hj := envelope.IsHeartbeatFile(files[i].Name), envelope.IsHeartbeatFile(files[j].Name)
		if hi != hj {
			return !hi // non-heartbeat sorts first
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// writeAtomic writes data to a fresh file in dir via temp-then-rename.
func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("queue: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("queue: rename: %w", err)
	}
	ok = true
	return nil
}

// PublishIncoming atomically writes an incoming envelope.
func (d *Dirs) PublishIncoming(name string, env envelope.Incoming) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return writeAtomic(d.Path(DirIncoming), name, data)
}

// PublishOutgoing atomically writes an outgoing envelope.
func (d *Dirs) PublishOutgoing(name string, env envelope.Outgoing) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return writeAtomic(d.Path(DirOutgoing), name, data)
}

// PublishStatus atomically writes (or overwrites) a status beacon.
// Best-effort: callers should not fail a message over a status-write
// error (spec §4.11).
func (d *Dirs) PublishStatus(messageID string, st envelope.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeAtomic(d.Path(DirStatus), messageID+".json", data)
}

// ClearStatus removes the status beacon for messageID, ignoring a
// not-exist error.
func (d *Dirs) ClearStatus(messageID string) error {
	err := os.Remove(filepath.Join(d.Path(DirStatus), messageID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Claim renames an incoming file into processing/. A rename failure is
// treated as "another worker got it" and returns ErrClaimLost (spec
// §4.3 "filesystem race").
func (d *Dirs) Claim(name string) (string, error) {
	src := filepath.Join(d.Path(DirIncoming), name)
	dst := filepath.Join(d.Path(DirProcessing), name)
	if err := os.Rename(src, dst); err != nil {
		return "", ErrClaimLost
	}
	return dst, nil
}

// ErrClaimLost indicates the incoming file was already claimed (or
// removed) by another worker.
var ErrClaimLost = fmt.Errorf("queue: claim lost to concurrent worker")

// MoveToDeadLetter renames a processing file to dead-letter/ with a
// timestamp prefix.
func (d *Dirs) MoveToDeadLetter(processingPath, name string, ts time.Time) error {
	dlName := envelope.DeadLetterFilename(name, ts.UnixNano())
	return os.Rename(processingPath, filepath.Join(d.Path(DirDeadLetter), dlName))
}

// RetryToIncoming renames a processing file back to incoming/ with a
// fresh "_retryN" suffix, stripping any previous one first.
func (d *Dirs) RetryToIncoming(processingPath, stemWithExt string, retryN int) error {
	ext := filepath.Ext(stemWithExt)
	stem := stemWithExt[:len(stemWithExt)-len(ext)]
	newName := envelope.WithRetry(stem, retryN) + ext
	return os.Rename(processingPath, filepath.Join(d.Path(DirIncoming), newName))
}

// DeleteProcessing removes a processing file on successful completion.
func (d *Dirs) DeleteProcessing(processingPath string) error {
	return os.Remove(processingPath)
}

// RecoverProcessing moves every file under processing/ back to
// incoming/ unchanged (spec §4.8.2 startup recovery). Idempotent: a
// second call finds nothing left to move.
func (d *Dirs) RecoverProcessing() (int, error) {
	files, err := d.List(DirProcessing)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, f := range files {
		dst := filepath.Join(d.Path(DirIncoming), f.Name)
		if err := os.Rename(f.Path, dst); err != nil {
			return moved, fmt.Errorf("queue: recover %s: %w", f.Name, err)
		}
		moved++
	}
	return moved, nil
}

// ReadEnvelope reads and parses one incoming-directory file (used after
// Claim, with the path now under processing/).
func ReadEnvelope(path string) (envelope.Incoming, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return envelope.Incoming{}, err
	}
	var env envelope.Incoming
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope.Incoming{}, err
	}
	return env, nil
}

// PeekThreadAndSource does a cheap parse of just threadId/source, used
// by the scheduler's claim-eligibility check before a full claim
// (spec §4.8 step 5a).
func PeekThreadAndSource(path string) (threadID int, source envelope.Source, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	var partial struct {
		ThreadID int             `json:"threadId"`
		Source   envelope.Source `json:"source"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return 0, "", err
	}
	return partial.ThreadID, partial.Source, nil
}
