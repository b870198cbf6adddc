// Package jsonl implements the crash-safe append log the Run Log mirrors
// every insert into before committing to its relational index: one JSON
// object per line, fsynced on every Append, so the index can always be
// rebuilt from these files if it goes missing or corrupts.
package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Record is one append-log entry. Kind distinguishes which logical table
// Payload decodes into ("run", "run_patch", "decision").
type Record struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Log is an append-only, fsync-on-write JSON-lines file.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// Open opens (creating if absent) the append log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes kind/payload as one line and fsyncs before returning, so a
// crash immediately after Append never loses the record.
func (l *Log) Append(kind string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Record{Kind: kind, Payload: buf})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Replay reads every record in the log in append order, invoking fn for
// each. It is used once at startup to rebuild the relational index.
func Replay(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Exists reports whether a log file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
