package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JobLogger writes a job's output as a JSON-line file, one entry per
// line, tagged with the step index and stream. Control entries mark
// step transitions so readers can reconstruct per-step output.
// Safe for concurrent use: the stdout and stderr writers of a step may
// be driven from separate goroutines.
type JobLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

type LogLine struct {
	Step   int    `json:"step"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

const controlStream = "control"

func NewJobLogger(baseDir string, id JobID) (*JobLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.Create(LogFilePath(baseDir, id))
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &JobLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, id JobID) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s.log", id.String()))
}

func OpenLogFile(baseDir string, id JobID) (*os.File, error) {
	file, err := os.Open(LogFilePath(baseDir, id))
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return file, nil
}

func (l *JobLogger) Close() error {
	return l.file.Close()
}

// Control records a step transition (started, success, failure, ...).
func (l *JobLogger) Control(idx int, step Step, status string) error {
	return l.write(LogLine{
		Step:   idx,
		Stream: controlStream,
		Data:   fmt.Sprintf("%s: %s", step.Name, status),
	})
}

func (l *JobLogger) write(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

func (l *JobLogger) Stdout(idx int) io.Writer {
	return &streamWriter{logger: l, idx: idx, stream: "stdout"}
}

func (l *JobLogger) Stderr(idx int) io.Writer {
	return &streamWriter{logger: l, idx: idx, stream: "stderr"}
}

type streamWriter struct {
	logger *JobLogger
	idx    int
	stream string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	entry := LogLine{Step: w.idx, Stream: w.stream, Data: line}
	if err := w.logger.write(entry); err != nil {
		return 0, err
	}
	return len(p), nil
}
