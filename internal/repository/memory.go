package repository

import (
	"context"
	"sync"

	"github.com/protei/cardlink/internal/keystore"
	"github.com/protei/cardlink/internal/session"
)

// MemoryRecord is one session's logged history, kept for inspection by
// tests and the dashboard's offline views.
type MemoryRecord struct {
	Session *session.Session
	Closed  bool
	Reason  session.CloseReason
	APDUs   []session.APDUExchange
}

// MemoryRepository is an in-process stand-in for PostgresRepository,
// implementing the same keystore.RecordRepository and server.LogSink
// contracts without an external database.
type MemoryRepository struct {
	mu       sync.RWMutex
	psk      map[string]keystore.PSKRecord
	sessions map[string]*MemoryRecord
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		psk:      make(map[string]keystore.PSKRecord),
		sessions: make(map[string]*MemoryRecord),
	}
}

// LookupPSK implements keystore.RecordRepository.
func (m *MemoryRepository) LookupPSK(_ context.Context, identity string) (keystore.PSKRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.psk[identity]
	return rec, ok, nil
}

// UpsertPSK implements keystore.RecordRepository.
func (m *MemoryRepository) UpsertPSK(_ context.Context, record keystore.PSKRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.psk[record.Identity] = record
	return nil
}

// DeletePSK implements keystore.RecordRepository.
func (m *MemoryRepository) DeletePSK(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.psk, identity)
	return nil
}

// ListPSK implements keystore.RecordRepository.
func (m *MemoryRepository) ListPSK(_ context.Context) ([]keystore.PSKRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]keystore.PSKRecord, 0, len(m.psk))
	for _, rec := range m.psk {
		records = append(records, rec)
	}
	return records, nil
}

// RecordSessionOpen implements server.LogSink.
func (m *MemoryRepository) RecordSessionOpen(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &MemoryRecord{Session: s}
}

// RecordAPDU implements server.LogSink.
func (m *MemoryRepository) RecordAPDU(sessionID string, ex session.APDUExchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.APDUs = append(rec.APDUs, ex)
}

// RecordSessionClose implements server.LogSink.
func (m *MemoryRepository) RecordSessionClose(s *session.Session, reason session.CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[s.ID]
	if !ok {
		rec = &MemoryRecord{Session: s}
		m.sessions[s.ID] = rec
	}
	rec.Closed = true
	rec.Reason = reason
}

// Get returns the recorded history for a session, for tests and the
// dashboard's read path.
func (m *MemoryRepository) Get(sessionID string) (*MemoryRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	return rec, ok
}

// List returns every session recorded so far, in no particular order.
func (m *MemoryRepository) List() []*MemoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MemoryRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	return out
}

// ListSessions implements dashboard.SessionProvider.
func (m *MemoryRepository) ListSessions(_ context.Context) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, summarize(rec))
	}
	return out, nil
}

// GetSession implements dashboard.SessionProvider.
func (m *MemoryRepository) GetSession(_ context.Context, id string) (SessionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, false, nil
	}
	return summarize(rec), true, nil
}

func summarize(rec *MemoryRecord) SessionRecord {
	s := rec.Session
	out := SessionRecord{
		ID:               s.ID,
		PSKIdentity:      s.PSKIdentity,
		PeerAddr:         s.PeerAddr,
		NegotiatedCipher: s.NegotiatedCipher,
		TLSVersion:       s.TLSVersion,
		OpenedAt:         s.OpenedAt,
		APDUCount:        len(rec.APDUs),
	}
	if rec.Closed {
		closedAt := s.LastActivityAt
		out.ClosedAt = &closedAt
		out.CloseReason = rec.Reason.String()
	}
	return out
}
