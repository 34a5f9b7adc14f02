package exportlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/relaycore/eventrt/internal/storelog"
	"github.com/vmihailenco/msgpack/v5"
)

var categoryCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// jsonLine is the human-inspectable mirror of one exported message,
// written to events.jsonl.sz alongside the compact binary dump.
type jsonLine struct {
	StreamName string    `json:"stream_name"`
	StreamID   uint64    `json:"stream_id"`
	GlobalID   uint64    `json:"global_id"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Writer streams a category's messages into a bundle directory: a
// snappy-compressed JSONL mirror for operators to grep, a zstd-compressed
// length-prefixed msgpack dump for restore, and a header.json sidecar
// written on Close.
type Writer struct {
	mu sync.Mutex

	dir      string
	category string
	now      func() time.Time

	binFile   *os.File
	binWriter *zstd.Encoder
	jsonFile  *os.File
	jsonWriter *snappy.Writer

	count        int
	fromGlobalID uint64
	lastGlobalID uint64
	closed       bool
}

// NewWriter creates (or truncates) a bundle directory under root named for
// category and the current time, ready to accept AppendMessage calls.
func NewWriter(root, category string, clock func() time.Time) (*Writer, error) {
	if category == "" {
		return nil, fmt.Errorf("exportlog: category must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	safe := categoryCleaner.ReplaceAllString(category, "_")
	dir := filepath.Join(root, fmt.Sprintf("%s-%d", safe, clock().UTC().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("exportlog: mkdir bundle dir: %w", err)
	}

	binFile, err := os.Create(filepath.Join(dir, "messages.bin.zst"))
	if err != nil {
		return nil, fmt.Errorf("exportlog: create binary dump: %w", err)
	}
	binWriter, err := zstd.NewWriter(binFile)
	if err != nil {
		binFile.Close()
		return nil, fmt.Errorf("exportlog: new zstd encoder: %w", err)
	}

	jsonFile, err := os.Create(filepath.Join(dir, "events.jsonl.sz"))
	if err != nil {
		binWriter.Close()
		binFile.Close()
		return nil, fmt.Errorf("exportlog: create jsonl mirror: %w", err)
	}

	return &Writer{
		dir:        dir,
		category:   category,
		now:        clock,
		binFile:    binFile,
		binWriter:  binWriter,
		jsonFile:   jsonFile,
		jsonWriter: snappy.NewBufferedWriter(jsonFile),
	}, nil
}

// Dir returns the bundle directory this writer populates.
func (w *Writer) Dir() string { return w.dir }

// AppendMessage writes one message to both the binary dump and the JSONL
// mirror. Messages must arrive in increasing GlobalID order; this is the
// order storelog.GlobalLog.IterFrom already produces.
func (w *Writer) AppendMessage(msg storelog.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("exportlog: writer closed")
	}

	raw, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("exportlog: marshal message: %w", err)
	}
	header := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(header[0:8], msg.GlobalID)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(raw)))
	if _, err := w.binWriter.Write(header); err != nil {
		return fmt.Errorf("exportlog: write frame header: %w", err)
	}
	if _, err := w.binWriter.Write(raw); err != nil {
		return fmt.Errorf("exportlog: write frame body: %w", err)
	}

	line, err := json.Marshal(jsonLine{
		StreamName: string(msg.StreamName),
		StreamID:   msg.StreamID,
		GlobalID:   msg.GlobalID,
		Type:       msg.Type,
		Payload:    msg.Payload,
		RecordedAt: msg.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("exportlog: marshal jsonl mirror: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.jsonWriter.Write(line); err != nil {
		return fmt.Errorf("exportlog: write jsonl mirror: %w", err)
	}

	if w.count == 0 {
		w.fromGlobalID = msg.GlobalID
	}
	w.lastGlobalID = msg.GlobalID
	w.count++
	return nil
}

// Flush pushes buffered bytes to both underlying files without closing the
// bundle.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.binWriter.Flush(); err != nil {
		return fmt.Errorf("exportlog: flush binary dump: %w", err)
	}
	if err := w.jsonWriter.Flush(); err != nil {
		return fmt.Errorf("exportlog: flush jsonl mirror: %w", err)
	}
	return nil
}

// Close flushes, writes the header sidecar, and releases the underlying
// files. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.binWriter.Close(); err != nil {
		return fmt.Errorf("exportlog: close zstd encoder: %w", err)
	}
	if err := w.jsonWriter.Close(); err != nil {
		return fmt.Errorf("exportlog: close jsonl mirror: %w", err)
	}
	if err := w.binFile.Close(); err != nil {
		return fmt.Errorf("exportlog: close binary dump: %w", err)
	}
	if err := w.jsonFile.Close(); err != nil {
		return fmt.Errorf("exportlog: close jsonl mirror file: %w", err)
	}

	header := Header{
		SchemaVersion:   HeaderSchemaVersion,
		Category:        w.category,
		FromGlobalID:    w.fromGlobalID,
		ThroughGlobalID: w.lastGlobalID,
		MessageCount:    w.count,
		CreatedAt:       w.now().UTC(),
		FilePointer:     "messages.bin.zst",
	}
	return WriteHeader(filepath.Join(w.dir, "header.json"), header)
}
