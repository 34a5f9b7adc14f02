package exportlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/relaycore/eventrt/internal/storelog"
	"github.com/vmihailenco/msgpack/v5"
)

// Loader rehydrates a bundle written by Writer back into storelog.Message
// values, sorted by GlobalID.
type Loader struct {
	Header   Header
	messages []storelog.Message
}

// Load reads header.json and messages.bin.zst from dir.
func Load(dir string) (*Loader, error) {
	header, err := ReadHeader(filepath.Join(dir, "header.json"))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, header.FilePointer))
	if err != nil {
		return nil, fmt.Errorf("exportlog: open binary dump: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("exportlog: new zstd decoder: %w", err)
	}
	defer dec.Close()

	var messages []storelog.Message
	frameHeader := make([]byte, 8+4)
	for {
		if _, err := io.ReadFull(dec, frameHeader); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("exportlog: read frame header: %w", err)
		}
		size := binary.LittleEndian.Uint32(frameHeader[8:12])
		body := make([]byte, size)
		if _, err := io.ReadFull(dec, body); err != nil {
			return nil, fmt.Errorf("exportlog: read frame body: %w", err)
		}
		var msg storelog.Message
		if err := msgpack.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("exportlog: unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].GlobalID < messages[j].GlobalID })

	if len(messages) != header.MessageCount {
		return nil, fmt.Errorf("exportlog: header declares %d messages, bundle has %d", header.MessageCount, len(messages))
	}

	return &Loader{Header: header, messages: messages}, nil
}

// Messages returns the loaded messages in ascending GlobalID order.
func (l *Loader) Messages() []storelog.Message { return l.messages }

// Replay calls apply for each loaded message in order, stopping at the
// first error.
func (l *Loader) Replay(apply func(storelog.Message) error) error {
	for _, msg := range l.messages {
		if err := apply(msg); err != nil {
			return err
		}
	}
	return nil
}
