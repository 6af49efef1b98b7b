package e2e

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/orneryd/tenantcrypt/pkg/encryption"
)

// Session is the server-side state of one client's secure channel.
type Session struct {
	ClientID      string
	Key           []byte
	EstablishedAt time.Time
	RotatedAt     time.Time
	Generation    uint32
}

// SessionStore holds live session keys. Implementations must be safe for
// concurrent use.
type SessionStore interface {
	// Get returns a copy of the live session for clientID. Callers may wipe
	// the returned key.
	Get(clientID string) (*Session, bool)
	// Put stores a session, replacing any existing one.
	Put(s *Session)
	// Delete erases the session and its key. Returns false if absent.
	Delete(clientID string) bool
	// Rotate swaps in a new key and bumps the generation. The old key is wiped.
	Rotate(clientID string, key []byte, at time.Time) (*Session, error)
	// Len returns the number of live sessions.
	Len() int
	// ClientIDs lists live sessions, sorted.
	ClientIDs() []string
}

// MemorySessionStore is a mutex-guarded in-memory SessionStore. Session keys
// are held in memguard enclaves and only decrypted into a fresh copy on Get.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*storedSession
}

type storedSession struct {
	Session // Key is always nil here
	key     *memguard.Enclave
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*storedSession)}
}

// seal moves a copy of key into an enclave. The caller's slice is untouched.
func seal(key []byte) *memguard.Enclave {
	if len(key) == 0 {
		return nil
	}
	return memguard.NewEnclave(append([]byte(nil), key...))
}

func (s *storedSession) open() (*Session, bool) {
	cp := s.Session
	if s.key == nil {
		return &cp, true
	}
	buf, err := s.key.Open()
	if err != nil {
		return nil, false
	}
	defer buf.Destroy()
	cp.Key = append([]byte(nil), buf.Bytes()...)
	return &cp, true
}

// Get returns a copy of the session; callers cannot mutate stored state.
// A key that can no longer be opened reads as absent.
func (m *MemorySessionStore) Get(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, false
	}
	return s.open()
}

func (m *MemorySessionStore) Put(s *Session) {
	stored := &storedSession{Session: *s, key: seal(s.Key)}
	stored.Key = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ClientID] = stored
}

func (m *MemorySessionStore) Delete(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[clientID]; !ok {
		return false
	}
	delete(m.sessions, clientID)
	return true
}

func (m *MemorySessionStore) Rotate(clientID string, key []byte, at time.Time) (*Session, error) {
	enclave := seal(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: no session for client %q", encryption.ErrSession, clientID)
	}
	s.key = enclave
	s.RotatedAt = at
	s.Generation++

	cp := s.Session
	cp.Key = append([]byte(nil), key...)
	return &cp, nil
}

func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemorySessionStore) ClientIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
