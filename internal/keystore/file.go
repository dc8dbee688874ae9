package keystore

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/protei/cardlink/internal/logger"
)

// fileDocument is the on-disk shape: a simple, human-editable list of
// records with hex-encoded key material.
type fileDocument struct {
	Records []fileRecord `yaml:"records"`
}

type fileRecord struct {
	Identity    string `yaml:"identity"`
	Key         string `yaml:"key"` // hex
	Description string `yaml:"description,omitempty"`
	CreatedAt   string `yaml:"created_at,omitempty"`
	ExpiresAt   string `yaml:"expires_at,omitempty"`
}

// FileKeyStore caches records loaded from a YAML document and reloads only
// on an explicit Reload call; automatic reload-on-change is not
// implemented here.
type FileKeyStore struct {
	mu      sync.RWMutex
	path    string
	records map[string]PSKRecord
	log     *logger.Logger
}

// NewFileKeyStore loads path immediately; a malformed document or a
// duplicate identity fails the load outright.
func NewFileKeyStore(path string, log *logger.Logger) (*FileKeyStore, error) {
	s := &FileKeyStore{path: path, log: log, records: make(map[string]PSKRecord)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the document from disk. On I/O or parse failure the
// previous snapshot is retained and the error is logged and returned.
func (s *FileKeyStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Error("keystore reload failed, retaining previous snapshot", err, "path", s.path)
		}
		return fmt.Errorf("keystore: read %s: %w", s.path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		if s.log != nil {
			s.log.Error("keystore reload failed, retaining previous snapshot", err, "path", s.path)
		}
		return fmt.Errorf("keystore: parse %s: %w", s.path, err)
	}

	records := make(map[string]PSKRecord, len(doc.Records))
	for _, fr := range doc.Records {
		if _, dup := records[fr.Identity]; dup {
			return fmt.Errorf("keystore: %w: %s", ErrDuplicateIdentity, fr.Identity)
		}
		key, err := hex.DecodeString(fr.Key)
		if err != nil {
			return fmt.Errorf("keystore: identity %s: invalid hex key: %w", fr.Identity, err)
		}
		rec := PSKRecord{Identity: fr.Identity, Key: key, Description: fr.Description}
		if fr.CreatedAt != "" {
			if t, err := time.Parse(time.RFC3339, fr.CreatedAt); err == nil {
				rec.CreatedAt = t
			}
		}
		if fr.ExpiresAt != "" {
			if t, err := time.Parse(time.RFC3339, fr.ExpiresAt); err == nil {
				rec.ExpiresAt = &t
			}
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("keystore: identity %s: %w", fr.Identity, err)
		}
		records[fr.Identity] = rec
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func (s *FileKeyStore) Lookup(identity string) (PSKRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identity]
	if !ok {
		return PSKRecord{}, ErrNotFound
	}
	return rec, nil
}

// Add inserts or overwrites a record in memory and persists the document.
// Overwrites are an administrator-only operation; callers are expected to
// gate access accordingly.
func (s *FileKeyStore) Add(record PSKRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[record.Identity] = record
	s.mu.Unlock()
	return s.persist()
}

func (s *FileKeyStore) Remove(identity string) error {
	s.mu.Lock()
	if _, ok := s.records[identity]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.records, identity)
	s.mu.Unlock()
	return s.persist()
}

func (s *FileKeyStore) List() ([]PSKRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PSKRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// persist writes the current snapshot back to disk atomically
// (write-temp-then-rename), the same pattern internal/config uses.
func (s *FileKeyStore) persist() error {
	s.mu.RLock()
	doc := fileDocument{Records: make([]fileRecord, 0, len(s.records))}
	for _, rec := range s.records {
		fr := fileRecord{
			Identity:    rec.Identity,
			Key:         hex.EncodeToString(rec.Key),
			Description: rec.Description,
		}
		if !rec.CreatedAt.IsZero() {
			fr.CreatedAt = rec.CreatedAt.Format(time.RFC3339)
		}
		if rec.ExpiresAt != nil {
			fr.ExpiresAt = rec.ExpiresAt.Format(time.RFC3339)
		}
		doc.Records = append(doc.Records, fr)
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("keystore: marshal document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("keystore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("keystore: rename file: %w", err)
	}
	return nil
}
