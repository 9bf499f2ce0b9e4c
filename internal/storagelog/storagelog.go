// Package storagelog provides structured event logging for the storage
// engine, generalizing the teacher's tamper-evident audit log
// (internal/security/audit.go) to an injectable Sink interface backed by
// log/slog by default, with an HMAC-signed file sink available for
// deployments that want the teacher's tamper-evident guarantee.
package storagelog

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Entry is one structured event passed to a Sink.
type Entry struct {
	Time   time.Time
	Name   string
	Fields map[string]any
}

// Sink receives logged entries. Implementations must be safe for concurrent
// use; the engine may log from multiple goroutines.
type Sink interface {
	Write(Entry) error
}

// Logger adapts a Sink to the engine.Logger interface (Event(name string,
// fields map[string]any)), which has no error return: a Sink failure is
// reported through OnError instead of surfacing to the caller, matching the
// teacher's preference for logging to never interrupt the operation it
// describes.
type Logger struct {
	Sink Sink
	// OnError, if non-nil, receives any error returned by Sink.Write.
	OnError func(error)
}

// Event builds an Entry timestamped now and writes it to Sink.
func (l *Logger) Event(name string, fields map[string]any) {
	if l == nil || l.Sink == nil {
		return
	}
	err := l.Sink.Write(Entry{Time: time.Now(), Name: name, Fields: fields})
	if err != nil && l.OnError != nil {
		l.OnError(err)
	}
}

// SlogSink writes entries as structured log/slog records. This is the
// default sink storagectl wires up, mirroring the teacher's fallback to a
// plain writer when no keychain-backed audit key is configured.
type SlogSink struct {
	Logger *slog.Logger
}

// Write renders e as an Info-level slog record with e.Name as the message
// and e.Fields flattened into attributes.
func (s SlogSink) Write(e Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, len(e.Fields)*2)
	for _, k := range sortedKeys(e.Fields) {
		attrs = append(attrs, slog.Any(k, e.Fields[k]))
	}
	logger.Info(e.Name, attrs...)
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// signedRecord is the on-disk, tamper-evident form of an Entry: one JSON
// line per event with an HMAC signature over its canonical serialization,
// matching the teacher's AuditLogEntry.
type signedRecord struct {
	Time   time.Time      `json:"time"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
	HMAC   []byte         `json:"hmac"`
}

func canonicalize(t time.Time, name string, fields map[string]any) ([]byte, error) {
	payload := struct {
		Time   string         `json:"time"`
		Name   string         `json:"name"`
		Fields map[string]any `json:"fields,omitempty"`
	}{Time: t.Format(time.RFC3339Nano), Name: name, Fields: fields}
	return json.Marshal(payload)
}

func sign(key []byte, t time.Time, name string, fields map[string]any) ([]byte, error) {
	data, err := canonicalize(t, name, fields)
	if err != nil {
		return nil, fmt.Errorf("storagelog: canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify reports whether rec's HMAC signature matches key, detecting any
// tampering with the logged fields after the fact.
func (r signedRecord) Verify(key []byte) error {
	want, err := sign(key, r.Time, r.Name, r.Fields)
	if err != nil {
		return err
	}
	if !hmac.Equal(r.HMAC, want) {
		return fmt.Errorf("storagelog: signature mismatch for %q at %s", r.Name, r.Time)
	}
	return nil
}

const defaultMaxFileSize = 10 * 1024 * 1024 // 10MB, matching the teacher's audit log default

// FileSink is an HMAC-signed, rotating JSON-lines append log, generalizing
// the teacher's AuditLogger from credential-access events to arbitrary
// named engine events.
type FileSink struct {
	mu           sync.Mutex
	path         string
	key          []byte
	maxSizeBytes int64
	currentSize  int64
}

// NewFileSink opens (or prepares to create) a signed log at path, keyed by
// key, which the caller derives and stores the way it sees fit — the
// teacher sources this key from the OS keychain or password derivation.
// storagectl does not use FileSink.
func NewFileSink(path string, key []byte) (*FileSink, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("storagelog: NewFileSink requires a non-empty key")
	}
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	return &FileSink{path: path, key: append([]byte(nil), key...), maxSizeBytes: defaultMaxFileSize, currentSize: size}, nil
}

// shouldRotate reports whether the log has grown past its size budget.
func (s *FileSink) shouldRotate() bool {
	return s.currentSize >= s.maxSizeBytes
}

// rotate renames the current log to path+".old", discarding any previous
// ".old" file, and resets the size counter.
func (s *FileSink) rotate() error {
	oldPath := s.path + ".old"
	_ = os.Remove(oldPath)
	if err := os.Rename(s.path, oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storagelog: rotate: %w", err)
	}
	s.currentSize = 0
	return nil
}

// Write signs e and appends it as one JSON line, rotating first if the log
// has grown past its size budget.
func (s *FileSink) Write(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, err := sign(s.key, e.Time, e.Name, e.Fields)
	if err != nil {
		return err
	}
	rec := signedRecord{Time: e.Time, Name: e.Name, Fields: e.Fields, HMAC: sig}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storagelog: marshal entry: %w", err)
	}
	data = append(data, '\n')

	if s.shouldRotate() {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("storagelog: open %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("storagelog: write entry: %w", err)
	}
	s.currentSize += int64(len(data))
	return nil
}

// VerifyFile re-reads path line by line and checks every record's HMAC
// signature against key, returning the first tampering it detects (if any)
// along with the number of records verified.
func VerifyFile(path string, key []byte) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("storagelog: read %s: %w", path, err)
	}
	count := 0
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var rec signedRecord
		if err := dec.Decode(&rec); err != nil {
			return count, fmt.Errorf("storagelog: decode record %d: %w", count, err)
		}
		if err := rec.Verify(key); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
