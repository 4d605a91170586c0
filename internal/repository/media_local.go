package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// LocalMediaStore keeps media bytes on the local filesystem in a
// content-addressed layout: <base>/<type>/<hh>/<hh>/<hash>. Identical
// bytes share one backing file; each StoreMedia call still returns a
// distinct logical reference, tracked in a JSON index next to the data.
type LocalMediaStore struct {
	mu        sync.RWMutex
	basePath  string
	indexPath string
	refs      map[string]models.MediaReference // logical id -> reference
}

// NewLocalMediaStore creates (or reopens) a store rooted at basePath.
func NewLocalMediaStore(basePath string) (*LocalMediaStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, apperr.New(apperr.KindStorage, "media.open", err, nil)
	}
	s := &LocalMediaStore{
		basePath:  basePath,
		indexPath: filepath.Join(basePath, "index.json"),
		refs:      make(map[string]models.MediaReference),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// StoreMedia hashes data and writes it unless an identical blob already
// exists. Writes go to a .tmp sibling first, then rename for atomicity.
func (s *LocalMediaStore) StoreMedia(_ context.Context, data []byte, meta models.MediaMetadata) (*models.MediaReference, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	mediaType := meta.MediaType
	if mediaType == "" {
		mediaType = "unknown"
	}
	relPath := filepath.Join(mediaType, hash[0:2], hash[2:4], hash)
	fullPath := filepath.Join(s.basePath, relPath)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, apperr.New(apperr.KindStorage, "media.store", err, nil)
		}
		tmpPath := fullPath + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
			return nil, apperr.New(apperr.KindStorage, "media.store", err, nil)
		}
		if err := os.Rename(tmpPath, fullPath); err != nil {
			os.Remove(tmpPath)
			return nil, apperr.New(apperr.KindStorage, "media.store", err, nil)
		}
	} else if err != nil {
		return nil, apperr.New(apperr.KindStorage, "media.store", err, nil)
	}

	ref := models.MediaReference{
		ID:             uuid.NewString(),
		ContentHash:    hash,
		StorageBackend: "local",
		StoragePath:    relPath,
		SizeBytes:      int64(len(data)),
		MediaType:      mediaType,
		MIMEType:       meta.MIMEType,
	}

	s.mu.Lock()
	s.refs[ref.ID] = ref
	err := s.persistIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// LoadMedia reads the referenced bytes, recomputing and verifying the
// content hash.
func (s *LocalMediaStore) LoadMedia(_ context.Context, ref *models.MediaReference) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, ref.StoragePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("media.load", "media", ref.ID)
		}
		return nil, apperr.New(apperr.KindStorage, "media.load", err, nil)
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != ref.ContentHash {
		return nil, apperr.New(apperr.KindStorage, "media.load",
			fmt.Errorf("content hash mismatch: stored file hashes to %s", got),
			map[string]any{"expected": ref.ContentHash, "actual": got})
	}
	return data, nil
}

// GetMediaByHash returns some logical reference for the hash, if any.
func (s *LocalMediaStore) GetMediaByHash(_ context.Context, hash string) (*models.MediaReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ref := range s.refs {
		if ref.ContentHash == hash {
			out := ref
			return &out, nil
		}
	}
	return nil, apperr.NotFound("media.get_by_hash", "media", hash)
}

func (s *LocalMediaStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperr.New(apperr.KindStorage, "media.index", err, nil)
	}
	if err := json.Unmarshal(data, &s.refs); err != nil {
		return apperr.New(apperr.KindStorage, "media.index", err, nil)
	}
	return nil
}

func (s *LocalMediaStore) persistIndexLocked() error {
	data, err := json.MarshalIndent(s.refs, "", "  ")
	if err != nil {
		return apperr.New(apperr.KindStorage, "media.index", err, nil)
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.New(apperr.KindStorage, "media.index", err, nil)
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		os.Remove(tmp)
		return apperr.New(apperr.KindStorage, "media.index", err, nil)
	}
	return nil
}
