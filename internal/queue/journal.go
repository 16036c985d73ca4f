package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/observability"
	"chatrelay/internal/util"
)

const (
	segmentPrefix = "journal-"
	segmentSuffix = ".jsonl"
)

type segmentFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

func openSegment(path string) (segmentFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Journal is the local fallback store: newline-delimited JSON envelopes in
// size-rotated segment files. Every append is fsynced before returning.
type Journal struct {
	dir      string
	maxBytes int64
	now      func() time.Time
	open     func(path string) (segmentFile, error)

	mu         sync.Mutex
	active     segmentFile
	activeName string
	activeSize int64
}

func OpenJournal(dir string, maxBytes int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &Journal{dir: dir, maxBytes: maxBytes, now: time.Now, open: openSegment}, nil
}

func (j *Journal) Append(env domain.QueueEnvelope) error {
	line, err := env.Marshal()
	if err != nil {
		return err
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.active == nil || j.activeSize >= j.maxBytes {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}
	if _, err := j.active.Write(line); err != nil {
		j.abandonActiveLocked()
		return fmt.Errorf("journal write: %w", err)
	}
	if err := j.active.Sync(); err != nil {
		j.abandonActiveLocked()
		return fmt.Errorf("journal sync: %w", err)
	}
	j.activeSize += int64(len(line))
	return nil
}

// abandonActiveLocked cuts the segment back to its last complete line and
// seals it, so a failed append never leaves a fragment for the next one to
// join onto.
func (j *Journal) abandonActiveLocked() {
	if err := j.active.Truncate(j.activeSize); err != nil {
		slog.Warn("journal truncate after failed append", "segment", j.activeName, "err", err)
	}
	if err := j.closeActiveLocked(); err != nil {
		slog.Warn("journal close after failed append", "err", err)
	}
}

func (j *Journal) rotateLocked() error {
	if err := j.closeActiveLocked(); err != nil {
		return err
	}
	name := util.NewSegmentName(j.now())
	f, err := j.open(filepath.Join(j.dir, name))
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	j.active, j.activeName, j.activeSize = f, name, 0
	return nil
}

func (j *Journal) closeActiveLocked() error {
	if j.active == nil {
		return nil
	}
	err := j.active.Close()
	j.active, j.activeName, j.activeSize = nil, "", 0
	return err
}

// Seal closes the active segment so it can be drained; the next Append
// starts a new one.
func (j *Journal) Seal() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeActiveLocked()
}

func (j *Journal) Close() error {
	return j.Seal()
}

// Segments lists closed segments oldest first.
func (j *Journal) Segments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	active := j.activeName
	j.mu.Unlock()

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == active {
			continue
		}
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Backlog counts segments holding envelopes, the active one included.
func (j *Journal) Backlog() int {
	segs, err := j.Segments()
	if err != nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active != nil && j.activeSize > 0 {
		return len(segs) + 1
	}
	return len(segs)
}

// Drain hands every envelope of a closed segment to push in order. Malformed
// lines are logged and skipped. If push fails, the unsent remainder is
// written back and the segment is kept; a fully drained segment is removed.
func (j *Journal) Drain(ctx context.Context, name string, push func(domain.QueueEnvelope) error) (int, error) {
	path := filepath.Join(j.dir, name)
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}

	moved := 0
	for i, line := range lines {
		if ctx.Err() != nil {
			return moved, j.rewrite(path, lines[i:])
		}
		env, err := domain.DecodeEnvelope(line)
		if err != nil {
			observability.CorruptEntries.WithLabelValues("journal").Inc()
			slog.Warn("skipping malformed journal entry", "segment", name, "line", i+1, "err", err)
			continue
		}
		if err := push(env); err != nil {
			if rerr := j.rewrite(path, lines[i:]); rerr != nil {
				return moved, errors.Join(err, rerr)
			}
			return moved, err
		}
		moved++
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return moved, err
	}
	return moved, nil
}

func (j *Journal) rewrite(path string, rest [][]byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, l := range rest {
		_, _ = w.Write(l)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][]byte
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
