package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Polqt/bearshare/internal/crdt"
)

// StoredDocument is the on-disk shape of one room's document: base
// content plus whatever operations haven't been checkpointed yet.
type StoredDocument struct {
	ID          string          `json:"id"`
	Filename    string          `json:"filename"`
	RoomID      string          `json:"room_id"`
	Content     string          `json:"content"`
	BufferedOps []crdt.RemoteOp `json:"buffered_ops"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// BlobStore persists one StoredDocument per room under rootDir, one JSON
// file per room plus a plain-text copy of the content for easy
// inspection. The JSON file is written to a ".tmp" sibling, fsync'd, then
// renamed over the real path, so a crash mid-write never corrupts the
// last good snapshot; the plain-text copy is written in place.
type BlobStore struct {
	rootDir string
}

// NewBlobStore creates rootDir if needed and returns a store rooted there.
func NewBlobStore(rootDir string) (*BlobStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create blob store dir: %w", err)
	}
	return &BlobStore{rootDir: rootDir}, nil
}

func (s *BlobStore) documentPath(roomID string) string {
	return filepath.Join(s.rootDir, roomID+".json")
}

func (s *BlobStore) contentPath(roomID, filename string) string {
	return filepath.Join(s.rootDir, roomID+"_"+filename)
}

// SaveDocument writes doc atomically and refreshes its UpdatedAt.
func (s *BlobStore) SaveDocument(doc StoredDocument) error {
	doc.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal document %s: %w", doc.RoomID, err)
	}

	path := s.documentPath(doc.RoomID)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("storage: write document: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("storage: sync document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: rename into place: %w", err)
	}

	if err := os.WriteFile(s.contentPath(doc.RoomID, doc.Filename), []byte(doc.Content), 0o644); err != nil {
		return fmt.Errorf("storage: write content file: %w", err)
	}
	return nil
}

// Exists reports whether a persisted document is present for roomID.
func (s *BlobStore) Exists(roomID string) bool {
	_, err := os.Stat(s.documentPath(roomID))
	return err == nil
}

// Backup copies roomID's persisted document to a ".bak" sibling, using
// the same temp-write-rename recipe as SaveDocument so a crash mid-copy
// never leaves a truncated backup.
func (s *BlobStore) Backup(roomID string) error {
	data, err := os.ReadFile(s.documentPath(roomID))
	if err != nil {
		return fmt.Errorf("storage: read document for backup %s: %w", roomID, err)
	}
	bak := s.documentPath(roomID) + ".bak"
	tmp := bak + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write backup %s: %w", roomID, err)
	}
	if err := os.Rename(tmp, bak); err != nil {
		return fmt.Errorf("storage: rename backup into place %s: %w", roomID, err)
	}
	return nil
}

// LoadDocument reads back a previously saved document.
func (s *BlobStore) LoadDocument(roomID string) (StoredDocument, error) {
	data, err := os.ReadFile(s.documentPath(roomID))
	if err != nil {
		return StoredDocument{}, fmt.Errorf("storage: read document %s: %w", roomID, err)
	}
	var doc StoredDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return StoredDocument{}, fmt.Errorf("storage: unmarshal document %s: %w", roomID, err)
	}
	return doc, nil
}

// DeleteDocument removes a room's persisted document and content file.
// Missing files are not an error, so deleting a room that was never
// saved, or deleting twice, succeeds.
func (s *BlobStore) DeleteDocument(roomID, filename string) error {
	if err := os.Remove(s.documentPath(roomID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove document %s: %w", roomID, err)
	}
	if filename != "" {
		if err := os.Remove(s.contentPath(roomID, filename)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: remove content file %s: %w", roomID, err)
		}
	}
	return nil
}
