// Package blob provides content-addressed storage for large payloads such as
// generated images and debug captures. Blobs are sharded on disk the same way
// conversation logs are, and deduplicated by SHA-256.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
)

// Metadata describes a stored blob. It is persisted as a .meta sidecar next
// to the .bin payload.
type Metadata struct {
	ID        string    `json:"id"`
	Mime      string    `json:"mime"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

// Metrics is the optional exporter surface the store reports to.
type Metrics interface {
	ObserveBlobSave(deduplicated bool)
}

// Store is a content-addressed blob store rooted at one directory.
type Store struct {
	baseDir string
	metrics Metrics

	mu      sync.Mutex
	byHash  map[string]string // sha256 hex -> blob ID
	scanned bool
}

// Open prepares a store rooted at baseDir. The hash index is rebuilt lazily
// from .meta sidecars on first use.
func Open(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, errs.New(errs.KindValidation, "blob base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "create blob directory")
	}
	return &Store{baseDir: baseDir, byHash: make(map[string]string)}, nil
}

// SetMetrics wires the exporter. Call before the store is shared.
func (s *Store) SetMetrics(mx Metrics) { s.metrics = mx }

// Save stores data and returns its metadata. Saving bytes that hash to an
// already-stored blob returns the existing entry without rewriting.
func (s *Store) Save(data []byte, mime string) (*Metadata, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndex(); err != nil {
		return nil, err
	}

	if id, ok := s.byHash[hash]; ok {
		meta, err := s.readMeta(id)
		if err == nil {
			if s.metrics != nil {
				s.metrics.ObserveBlobSave(true)
			}
			return meta, nil
		}
		// Stale index entry; fall through and rewrite.
		delete(s.byHash, hash)
	}

	meta := &Metadata{
		ID:        idgen.New(),
		Mime:      mime,
		Size:      int64(len(data)),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	binPath := s.path(meta.ID, ".bin")
	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "create blob shard")
	}
	if err := os.WriteFile(binPath, data, 0o644); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "write blob %s", meta.ID)
	}
	if err := s.writeMeta(meta); err != nil {
		_ = os.Remove(binPath)
		return nil, err
	}
	s.byHash[hash] = meta.ID
	if s.metrics != nil {
		s.metrics.ObserveBlobSave(false)
	}
	return meta, nil
}

// Get returns the payload and metadata of one blob.
func (s *Store) Get(id string) ([]byte, *Metadata, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.path(id, ".bin"))
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.KindIO, "read blob %s", id)
	}
	return data, meta, nil
}

// Delete removes a blob, its metadata, and its hash index entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndex(); err != nil {
		return err
	}

	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(id, ".bin")); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(err, errs.KindIO, "remove blob %s", id)
	}
	if err := os.Remove(s.path(id, ".meta")); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(err, errs.KindIO, "remove blob metadata %s", id)
	}
	delete(s.byHash, meta.Hash)
	return nil
}

func (s *Store) path(id, ext string) string {
	aa, bb := idgen.Shard(id)
	return filepath.Join(s.baseDir, aa, bb, id+ext)
}

func (s *Store) readMeta(id string) (*Metadata, error) {
	raw, err := os.ReadFile(s.path(id, ".meta"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "blob %s not found", id)
		}
		return nil, errs.Wrap(err, errs.KindIO, "read blob metadata %s", id)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "decode blob metadata %s", id)
	}
	return &meta, nil
}

func (s *Store) writeMeta(meta *Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode blob metadata")
	}
	if err := os.WriteFile(s.path(meta.ID, ".meta"), raw, 0o644); err != nil {
		return errs.Wrap(err, errs.KindIO, "write blob metadata %s", meta.ID)
	}
	return nil
}

// ensureIndex rebuilds the hash index from .meta sidecars. Called with s.mu held.
func (s *Store) ensureIndex() error {
	if s.scanned {
		return nil
	}
	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".meta" {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			// Corrupt sidecar; leave the blob unreferenced rather than fail startup.
			return nil
		}
		s.byHash[meta.Hash] = meta.ID
		return nil
	})
	if err != nil {
		return errs.Wrap(err, errs.KindIO, "scan blob index")
	}
	s.scanned = true
	return nil
}
