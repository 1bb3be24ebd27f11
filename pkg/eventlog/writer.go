// Package eventlog provides the append-only JSONL audit log of sent messages.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tandem/pkg/proto"
)

// Writer appends one JSON line per sent message to a daily log file.
// The file is opened, written and closed on every call so that external
// readers always observe a consistent append-only stream.
type Writer struct {
	logDir string
	now    func() time.Time
	mu     sync.Mutex
}

// NewWriter creates a writer rooted at logDir, creating the directory if needed.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Writer{logDir: logDir, now: time.Now}, nil
}

// WriteMessage appends the audit record of msg.
func (w *Writer) WriteMessage(msg proto.Message) error {
	return w.WriteRecord(msg.AuditRecord())
}

// WriteRecord appends rec as a single JSON line.
func (w *Writer) WriteRecord(rec proto.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.currentPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// CurrentLogFile returns the path records are written to today.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath()
}

func (w *Writer) currentPath() string {
	return filepath.Join(w.logDir, fmt.Sprintf("messages-%s.jsonl", w.now().Format("2006-01-02")))
}

// ReadRecords parses every record in a log file.
func ReadRecords(logFilePath string) ([]proto.Record, error) {
	f, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	records := []proto.Record{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec proto.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse record on line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return records, nil
}

// ListLogFiles returns all message log files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "messages-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
