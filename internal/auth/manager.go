// Package auth backs the admin app's illustrative session layer (spec
// §3 "Session (used by the admin app; illustrative)"). The core engine
// itself has no notion of admin credentials — this is the concrete
// support a hosted privileged app needs to gate the Lifecycle Manager's
// HTTP surface, grounded on the teacher's own admin-session handling.
package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Manager stores and verifies the admin credential. v1 supports a
// single local admin user, "admin".
type Manager struct {
	path string
	mu   sync.RWMutex
	hash string // bcrypt hash, empty until Setup
}

type fileState struct {
	PasswordHash string `json:"password_hash"`
}

// NewManager loads (or prepares to create) the admin credential file
// under <stateDir>/auth/admin.json.
func NewManager(stateDir string) (*Manager, error) {
	if stateDir == "" {
		stateDir = os.TempDir()
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "auth"), 0o700); err != nil {
		return nil, err
	}
	m := &Manager{path: filepath.Join(stateDir, "auth", "admin.json")}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	m.hash = st.PasswordHash
	return nil
}

func (m *Manager) save() error {
	st := fileState{PasswordHash: m.hash}
	b, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, b, 0o600)
}

// IsInitialized reports whether the admin credential has been set up.
func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hash != ""
}

// Setup initializes the admin password. Allowed only once.
func (m *Manager) Setup(password string) error {
	if err := ValidatePasswordStrength(password); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hash != "" {
		return errors.New("auth: admin already set up")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	m.hash = hash
	return m.save()
}

// ChangePassword replaces the admin password after verifying the old one.
func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hash == "" {
		return errors.New("auth: not initialized")
	}
	if !verifyPassword(m.hash, oldPassword) {
		return errors.New("auth: invalid credentials")
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	m.hash = hash
	return m.save()
}

// Verify reports whether username/password identify the admin user.
func (m *Manager) Verify(username, password string) bool {
	if username != "admin" {
		return false
	}
	m.mu.RLock()
	hash := m.hash
	m.mu.RUnlock()
	if hash == "" {
		return false
	}
	return verifyPassword(hash, password)
}

func hashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Session is one admin login session (spec §3 "Session": user,
// loggedInAt, TTL-bounded).
type Session struct {
	ID          string
	User        string
	CSRF        string
	LoggedInAt  time.Time
	ExpiresAt   time.Time
}

// SessionStore is an in-memory TTL-bounded session table.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create mints a new session for user, valid for ttl.
func (s *SessionStore) Create(user string, ttl time.Duration) *Session {
	now := timeNow()
	sess := &Session{
		ID:         uuid.NewString(),
		User:       user,
		CSRF:       uuid.NewString(),
		LoggedInAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the session for id if it exists and has not expired,
// evicting it lazily otherwise.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if timeNow().After(sess.ExpiresAt) {
		s.Delete(id)
		return nil, false
	}
	return sess, true
}

func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// RotateCSRF issues a fresh CSRF token for an existing session.
func (s *SessionStore) RotateCSRF(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	sess.CSRF = uuid.NewString()
	return sess.CSRF, true
}

// timeNow is a small indirection so tests can override it.
var timeNow = func() time.Time { return time.Now() }
