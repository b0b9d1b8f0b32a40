package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupAndVerify(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	assert.False(t, m.IsInitialized())

	require.NoError(t, m.Setup("Sup3r-Secret-Pw!"))
	assert.True(t, m.IsInitialized())
	assert.True(t, m.Verify("admin", "Sup3r-Secret-Pw!"))
	assert.False(t, m.Verify("admin", "wrong"))
	assert.False(t, m.Verify("other-user", "Sup3r-Secret-Pw!"))
}

func TestSetupTwiceFails(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Setup("Sup3r-Secret-Pw!"))
	assert.Error(t, m.Setup("Another-Secret-Pw!"))
}

func TestChangePasswordRequiresOldPassword(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Setup("Sup3r-Secret-Pw!"))

	assert.Error(t, m.ChangePassword("wrong-old", "New-Secret-Pw!2"))
	require.NoError(t, m.ChangePassword("Sup3r-Secret-Pw!", "New-Secret-Pw!2"))
	assert.True(t, m.Verify("admin", "New-Secret-Pw!2"))
	assert.False(t, m.Verify("admin", "Sup3r-Secret-Pw!"))
}

func TestCredentialSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	m1, err := NewManager(dir)
	require.NoError(t, err)
	require.NoError(t, m1.Setup("Sup3r-Secret-Pw!"))

	m2, err := NewManager(dir)
	require.NoError(t, err)
	assert.True(t, m2.IsInitialized())
	assert.True(t, m2.Verify("admin", "Sup3r-Secret-Pw!"))
}

func TestSessionStoreExpiry(t *testing.T) {
	s := NewSessionStore()
	sess := s.Create("admin", time.Millisecond)
	_, ok := s.Get(sess.ID)
	assert.True(t, ok)

	restore := timeNow
	timeNow = func() time.Time { return time.Now().Add(time.Hour) }
	defer func() { timeNow = restore }()

	_, ok = s.Get(sess.ID)
	assert.False(t, ok)
}

func TestRotateCSRF(t *testing.T) {
	s := NewSessionStore()
	sess := s.Create("admin", time.Hour)
	newCSRF, ok := s.RotateCSRF(sess.ID)
	require.True(t, ok)
	assert.NotEqual(t, sess.CSRF, newCSRF)
}
