package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// GenesisHash is the prev_hash for the first entry in a new journal.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Journal is an append-only JSONL audit journal with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain.
type Journal struct {
	path     string
	file     *os.File
	prevHash string
	mu       sync.Mutex
}

// Open opens (or creates) a journal file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash, err := tailHash(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	return &Journal{
		path:     path,
		file:     file,
		prevHash: prevHash,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Record appends an Entry with hash chaining. It sets PrevHash and
// Timestamp (if empty), writes the line, and syncs to disk.
func (j *Journal) Record(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = j.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	j.prevHash = HashLine(line)
	return nil
}

// Append records a decision entry for ev.
func (j *Journal) Append(ctx context.Context, ev model.AuditEvent) error {
	return j.Record(EntryFromEvent(ev))
}

// RecordFeedback records a label applied to a trace.
func (j *Journal) RecordFeedback(ctx context.Context, traceID string, status model.FeedbackStatus, at time.Time) error {
	return j.Record(Entry{
		Timestamp:      formatTime(at),
		Type:           TypeFeedback,
		TraceID:        traceID,
		FeedbackStatus: int(status),
	})
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// tailHash returns the hash of the last line of an existing journal, or
// GenesisHash when there is none.
func tailHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read existing journal: %w", err)
	}
	defer f.Close()

	scanner := newScanner(f)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("audit: scan existing journal: %w", err)
	}
	if len(last) == 0 {
		return GenesisHash, nil
	}
	return HashLine(last), nil
}

// newScanner allows lines up to 4 MiB, enough for long SQL templates.
func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 4<<20)
	return s
}
