// Package exportlog implements offline backup and restore of the event
// store: a bundle directory holding a compressed binary dump of one
// category's messages plus human-inspectable JSON sidecars, and a
// retention sweeper for old bundles. Adapted from the teacher repo's
// internal/replay package (writer/header/loader/cleaner), rebuilt around
// storelog.Message instead of gameplay tick/world frames.
package exportlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// HeaderSchemaVersion identifies the bundle header layout.
const HeaderSchemaVersion = 1

// Header describes one export bundle's provenance and is written
// alongside the compressed payload as header.json.
type Header struct {
	SchemaVersion   int       `json:"schema_version"`
	Category        string    `json:"category"`
	FromGlobalID    uint64    `json:"from_global_id"`
	ThroughGlobalID uint64    `json:"through_global_id"`
	MessageCount    int       `json:"message_count"`
	CreatedAt       time.Time `json:"created_at"`
	FilePointer     string    `json:"file_pointer"`
}

// Validate rejects a header whose schema version this package cannot read
// or whose global ID range is inverted.
func (h Header) Validate() error {
	if h.SchemaVersion != HeaderSchemaVersion {
		return fmt.Errorf("exportlog: unsupported header schema version %d", h.SchemaVersion)
	}
	if h.Category == "" {
		return fmt.Errorf("exportlog: header missing category")
	}
	if h.ThroughGlobalID != 0 && h.ThroughGlobalID < h.FromGlobalID {
		return fmt.Errorf("exportlog: header through_global_id %d precedes from_global_id %d", h.ThroughGlobalID, h.FromGlobalID)
	}
	return nil
}

// WriteHeader writes an indented JSON header to path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return fmt.Errorf("exportlog: marshal header: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("exportlog: write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates a header previously written by WriteHeader.
func ReadHeader(path string) (Header, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, fmt.Errorf("exportlog: read header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return Header{}, fmt.Errorf("exportlog: unmarshal header: %w", err)
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
