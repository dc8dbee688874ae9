package keystore

import "context"

// RecordRepository is the narrow external collaborator a repository-backed
// key store delegates to; the persistence layer itself lives outside this
// package, this is the interface the core consumes from it.
type RecordRepository interface {
	LookupPSK(ctx context.Context, identity string) (PSKRecord, bool, error)
	UpsertPSK(ctx context.Context, record PSKRecord) error
	DeletePSK(ctx context.Context, identity string) error
	ListPSK(ctx context.Context) ([]PSKRecord, error)
}

// RepositoryKeyStore delegates every call to an external repository. It
// adds no caching of its own: unlike the in-memory backend, which must
// avoid blocking I/O, this backend is expected to hit the database on
// every lookup.
type RepositoryKeyStore struct {
	repo RecordRepository
	ctx  context.Context
}

// NewRepositoryKeyStore wraps repo. ctx bounds every call this key store
// makes into repo; callers wanting per-call deadlines should construct a
// fresh RepositoryKeyStore with context.WithTimeout, or prefer a different
// backend for latency-sensitive paths.
func NewRepositoryKeyStore(ctx context.Context, repo RecordRepository) *RepositoryKeyStore {
	return &RepositoryKeyStore{repo: repo, ctx: ctx}
}

func (s *RepositoryKeyStore) Lookup(identity string) (PSKRecord, error) {
	rec, ok, err := s.repo.LookupPSK(s.ctx, identity)
	if err != nil {
		return PSKRecord{}, err
	}
	if !ok {
		return PSKRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *RepositoryKeyStore) Add(record PSKRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	return s.repo.UpsertPSK(s.ctx, record)
}

func (s *RepositoryKeyStore) Remove(identity string) error {
	return s.repo.DeletePSK(s.ctx, identity)
}

func (s *RepositoryKeyStore) List() ([]PSKRecord, error) {
	return s.repo.ListPSK(s.ctx)
}
