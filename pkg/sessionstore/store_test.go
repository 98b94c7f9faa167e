package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, string) {
	tempDir := t.TempDir()
	s, err := New(tempDir, "")
	require.NoError(t, err)
	return s, tempDir
}

func TestStore_GetOrCreate(t *testing.T) {
	s, _ := setupTestStore(t)

	sess, err := s.GetOrCreate("tg:12345")
	require.NoError(t, err)
	assert.Equal(t, "tg:12345", sess.Key)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, 0, sess.MessageCount)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestStore_GetOrCreateIsStable(t *testing.T) {
	s, _ := setupTestStore(t)

	first, err := s.GetOrCreate("tg:12345")
	require.NoError(t, err)

	second, err := s.GetOrCreate("tg:12345")
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestStore_ValidateKey(t *testing.T) {
	s, _ := setupTestStore(t)

	tests := []struct {
		name      string
		key       string
		shouldErr bool
	}{
		{"valid key", "tg:12345", false},
		{"default key", "main", false},
		{"empty key", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"null byte", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.validateKey(tt.key)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_Reset(t *testing.T) {
	s, _ := setupTestStore(t)

	one, err := s.GetOrCreate("tg:1")
	require.NoError(t, err)
	other, err := s.GetOrCreate("tg:2")
	require.NoError(t, err)

	fresh, err := s.Reset("tg:1")
	require.NoError(t, err)
	assert.NotEqual(t, one.SessionID, fresh.SessionID)
	assert.Equal(t, 0, fresh.MessageCount)

	// Other keys are untouched.
	unchanged, err := s.GetOrCreate("tg:2")
	require.NoError(t, err)
	assert.Equal(t, other.SessionID, unchanged.SessionID)
}

func TestStore_RecordSuccess(t *testing.T) {
	s, _ := setupTestStore(t)

	sess, err := s.GetOrCreate("tg:1")
	require.NoError(t, err)

	err = s.RecordSuccess("tg:1", "")
	require.NoError(t, err)

	reloaded, err := s.GetOrCreate("tg:1")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.MessageCount)
	assert.Equal(t, sess.SessionID, reloaded.SessionID)
}

func TestStore_RecordSuccessResolvedID(t *testing.T) {
	s, _ := setupTestStore(t)

	_, err := s.GetOrCreate("tg:1")
	require.NoError(t, err)

	err = s.RecordSuccess("tg:1", "rewritten-by-tool")
	require.NoError(t, err)

	reloaded, err := s.GetOrCreate("tg:1")
	require.NoError(t, err)
	assert.Equal(t, "rewritten-by-tool", reloaded.SessionID)
	assert.Equal(t, 1, reloaded.MessageCount)
}

func TestStore_RecordSuccessMissingKey(t *testing.T) {
	s, _ := setupTestStore(t)

	// Tolerates a key that was never created.
	err := s.RecordSuccess("tg:absent", "")
	assert.NoError(t, err)
}

func TestStore_List(t *testing.T) {
	s, dir := setupTestStore(t)

	_, err := s.GetOrCreate("tg:2")
	require.NoError(t, err)
	_, err = s.GetOrCreate("tg:1")
	require.NoError(t, err)

	// Unrelated and malformed files in the directory are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0600))

	sessions, err := s.List()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "tg:1", sessions[0].Key)
	assert.Equal(t, "tg:2", sessions[1].Key)
}

func TestStore_CorruptRecordIsRecreated(t *testing.T) {
	s, dir := setupTestStore(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tg:1.json"), []byte("garbage"), 0600))

	sess, err := s.GetOrCreate("tg:1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, 0, sess.MessageCount)
}

func TestStore_LegacyImport(t *testing.T) {
	tempDir := t.TempDir()
	legacyPath := filepath.Join(tempDir, "session.json")

	legacy := legacySession{
		SessionID:    "legacy-id",
		CreatedAt:    time.Now().Add(-time.Hour),
		MessageCount: 7,
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacyPath, data, 0600))

	s, err := New(filepath.Join(tempDir, "sessions"), legacyPath)
	require.NoError(t, err)

	sess, err := s.GetOrCreate(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "legacy-id", sess.SessionID)
	assert.Equal(t, 7, sess.MessageCount)

	// Import happens once: the record now lives under the new scheme.
	reloaded, err := s.GetOrCreate(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "legacy-id", reloaded.SessionID)
}

func TestStore_LegacyImportOnlyForDefaultKey(t *testing.T) {
	tempDir := t.TempDir()
	legacyPath := filepath.Join(tempDir, "session.json")

	legacy := legacySession{SessionID: "legacy-id", CreatedAt: time.Now()}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacyPath, data, 0600))

	s, err := New(filepath.Join(tempDir, "sessions"), legacyPath)
	require.NoError(t, err)

	sess, err := s.GetOrCreate("tg:1")
	require.NoError(t, err)
	assert.NotEqual(t, "legacy-id", sess.SessionID)
}
