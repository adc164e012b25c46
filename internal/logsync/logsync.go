// Package logsync mirrors the LLM runtime's per-session event files
// into a stable location keyed by session identifier (spec §4.9), so
// monitoring readers can follow a session without knowing the
// runtime's own log layout.
package logsync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

// ThreadRegistry is the narrow surface logsync needs to decide which
// sessions are worth mirroring.
type ThreadRegistry interface {
	LoadThreads() map[int]*envelope.Thread
}

// Syncer mirrors new bytes from SourceRoot/{sessionId}.jsonl into
// DestRoot/{sessionId}.jsonl for every session currently referenced by
// the thread registry.
type Syncer struct {
	SourceRoot string
	DestRoot   string
	Threads    ThreadRegistry

	mu      sync.Mutex
	offsets map[string]int64
}

// New returns a Syncer. sourceRoot is the external root the LLM
// runtime writes its own session logs under; destRoot is this
// process's stable mirror location.
func New(sourceRoot, destRoot string, threads ThreadRegistry) *Syncer {
	return &Syncer{
		SourceRoot: sourceRoot,
		DestRoot:   destRoot,
		Threads:    threads,
		offsets:    make(map[string]int64),
	}
}

// SyncOnce mirrors one pass over every session id currently present in
// the thread registry. Errors on individual sessions are collected but
// do not stop the others from syncing.
func (s *Syncer) SyncOnce() []error {
	var errs []error
	for _, sessionID := range s.activeSessionIDs() {
		if err := s.syncSession(sessionID); err != nil {
			errs = append(errs, fmt.Errorf("logsync: session %s: %w", sessionID, err))
		}
	}
	return errs
}

func (s *Syncer) activeSessionIDs() []string {
	threads := s.Threads.LoadThreads()
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		if t.SessionID != "" {
			ids = append(ids, t.SessionID)
		}
	}
	return ids
}

// syncSession mirrors new bytes for one session, with rotation
// detection (source shrunk ⇒ offset resets to zero) and strict
// path-safety: both the resolved source and destination must lie
// within their intended roots.
func (s *Syncer) syncSession(sessionID string) error {
	srcPath, err := safeJoin(s.SourceRoot, sessionID+".jsonl")
	if err != nil {
		return fmt.Errorf("unsafe source path: %w", err)
	}
	dstPath, err := safeJoin(s.DestRoot, sessionID+".jsonl")
	if err != nil {
		return fmt.Errorf("unsafe destination path: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // runtime hasn't written this session's log yet
		}
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	size := info.Size()

	s.mu.Lock()
	offset := s.offsets[sessionID]
	s.mu.Unlock()

	if size < offset {
		offset = 0 // source rotated out from under us
	}
	if size == offset {
		return nil // nothing new
	}

	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek source: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("mkdir destination: %w", err)
	}
	dst, err := os.OpenFile(dstPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()

	if offset == 0 {
		if err := dst.Truncate(0); err != nil {
			return fmt.Errorf("truncate destination on rotation: %w", err)
		}
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	s.mu.Lock()
	s.offsets[sessionID] = offset + n
	s.mu.Unlock()
	return nil
}

// safeJoin joins name onto root and rejects the result unless it
// resolves to a path still inside root (spec §4.9 "strict
// path-safety").
func safeJoin(root, name string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(absRoot, name)
	rel, err := filepath.Rel(absRoot, joined)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %q", name, root)
	}
	return joined, nil
}
