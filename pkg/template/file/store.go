// Package file provides a JSON file-backed [template.Store] for fully
// offline installs.
//
// The file holds an ordered list of voiceprint records. Embeddings are stored
// as flat float arrays; each exemplar is stored flat with its frame and band
// counts so the 2-D feature sequence can be rebuilt on load. Writes are
// atomic: the store writes a temporary file and renames it over the old one.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ycxom/voicegate/pkg/dsp"
	"github.com/ycxom/voicegate/pkg/template"
)

// Ensure Store implements the template.Store interface.
var _ template.Store = (*Store)(nil)

// Store is a file-backed voiceprint store. All methods are safe for
// concurrent use; the whole file is rewritten on every mutation, which is
// fine for the handful of enrolled speakers this system expects.
type Store struct {
	mu   sync.Mutex
	path string
}

// record is the on-disk shape of one voiceprint.
type record struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Embedding   []float32  `json:"embedding"`
	Exemplars   []exemplar `json:"exemplars,omitempty"`
	WakePhrase  string     `json:"wake_phrase,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// exemplar flattens a MelSequence for storage.
type exemplar struct {
	Features  []float64 `json:"features"`
	Frames    int       `json:"frames"`
	Bands     int       `json:"bands"`
	Duration  float64   `json:"duration"`
	Condition string    `json:"condition,omitempty"`
}

// New creates a store persisting to path. The file is created on first Save;
// a missing file reads as an empty list.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("template file store: path must not be empty")
	}
	return &Store{path: path}, nil
}

// Save implements [template.Store].
func (s *Store) Save(ctx context.Context, vp template.Voiceprint) error {
	if vp.UserID == "" {
		return errors.New("template file store: user id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}

	rec := toRecord(vp)
	replaced := false
	for i := range records {
		if records[i].UserID == vp.UserID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return s.writeLocked(ctx, records)
}

// Delete implements [template.Store].
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := records[:0]
	found := false
	for _, r := range records {
		if r.UserID == userID {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return template.ErrNotFound
	}
	return s.writeLocked(ctx, kept)
}

// List implements [template.Store].
func (s *Store) List(ctx context.Context) ([]template.Voiceprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]template.Voiceprint, 0, len(records))
	for _, r := range records {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// loadLocked reads and decodes the file. Must be called with s.mu held.
func (s *Store) loadLocked() ([]record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("template file store: read %q: %w", s.path, err)
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("template file store: decode %q: %w", s.path, err)
	}
	return records, nil
}

// writeLocked atomically rewrites the file. Must be called with s.mu held.
func (s *Store) writeLocked(ctx context.Context, records []record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("template file store: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".voiceprints-*.json")
	if err != nil {
		return fmt.Errorf("template file store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("template file store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("template file store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("template file store: rename: %w", err)
	}
	return nil
}

// toRecord flattens a voiceprint for storage.
func toRecord(vp template.Voiceprint) record {
	rec := record{
		UserID:      vp.UserID,
		DisplayName: vp.DisplayName,
		Embedding:   vp.Embedding,
		WakePhrase:  vp.WakePhrase,
		CreatedAt:   vp.CreatedAt,
	}
	for _, ex := range vp.Exemplars {
		flat := make([]float64, 0, len(ex.Frames)*ex.NumBands)
		for _, fr := range ex.Frames {
			flat = append(flat, fr...)
		}
		rec.Exemplars = append(rec.Exemplars, exemplar{
			Features:  flat,
			Frames:    ex.FrameCount(),
			Bands:     ex.NumBands,
			Duration:  ex.Duration,
			Condition: ex.Condition,
		})
	}
	return rec
}

// fromRecord rebuilds a voiceprint from its stored shape. Exemplars whose
// flat array does not match frames×bands are dropped rather than propagated
// as corrupt feature data.
func fromRecord(rec record) template.Voiceprint {
	vp := template.Voiceprint{
		UserID:      rec.UserID,
		DisplayName: rec.DisplayName,
		Embedding:   rec.Embedding,
		WakePhrase:  rec.WakePhrase,
		CreatedAt:   rec.CreatedAt,
	}
	for _, ex := range rec.Exemplars {
		if ex.Frames*ex.Bands != len(ex.Features) || ex.Bands <= 0 {
			continue
		}
		seq := dsp.MelSequence{
			NumBands:  ex.Bands,
			Duration:  ex.Duration,
			Condition: ex.Condition,
			Frames:    make([][]float64, ex.Frames),
		}
		for f := 0; f < ex.Frames; f++ {
			seq.Frames[f] = append([]float64(nil), ex.Features[f*ex.Bands:(f+1)*ex.Bands]...)
		}
		vp.Exemplars = append(vp.Exemplars, seq)
	}
	return vp
}
