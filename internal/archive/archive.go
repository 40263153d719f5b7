// Package archive exports finished call transcripts to durable object
// storage, alongside the repository record. Export is best-effort: the
// call-end path logs failures and moves on.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seenspeak/seenspeak/internal/db"
)

// Store writes one transcript document per call.
type Store interface {
	// SaveTranscript persists the call's transcript as a JSON document and
	// returns on completion. Callers treat errors as non-fatal.
	SaveTranscript(rec db.CallRecord) error
}

// document is the exported JSON shape.
type document struct {
	CallID      string              `json:"call_id"`
	CallerID    string              `json:"caller_id"`
	CalleeID    string              `json:"callee_id"`
	StartedAt   string              `json:"started_at"`
	EndedAt     string              `json:"ended_at"`
	Transcripts []db.TranscriptLine `json:"transcripts"`
}

func encode(rec db.CallRecord) ([]byte, error) {
	doc := document{
		CallID:      rec.ID,
		CallerID:    rec.CallerID,
		CalleeID:    rec.CalleeID,
		StartedAt:   rec.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		EndedAt:     rec.EndedAt.Format("2006-01-02T15:04:05Z07:00"),
		Transcripts: rec.Transcripts,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}
	return raw, nil
}

// LocalStore writes transcript documents into a directory, one file per
// call, partitioned by the call's start date.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// SaveTranscript implements Store.
func (s *LocalStore) SaveTranscript(rec db.CallRecord) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}

	day := rec.StartedAt.Format("2006-01-02")
	dir := filepath.Join(s.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive partition: %w", err)
	}

	path := filepath.Join(dir, rec.ID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}
