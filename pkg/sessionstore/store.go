package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultKey is the conversation key used in single-conversation mode.
// It is the only key for which the legacy single-record file is consulted.
const DefaultKey = "main"

// Session identifies one resumable conversation with the underlying tool.
type Session struct {
	Key          string    `json:"key"`
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

// legacySession is the shape of the old single-record file, which predates
// per-key records and carries no key field.
type legacySession struct {
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

// Store manages per-key session records on disk.
type Store struct {
	dir        string
	legacyPath string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a session store rooted at dir. An empty dir defaults to
// ~/.courier/sessions. legacyPath may be empty to disable legacy import.
func New(dir, legacyPath string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".courier", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		legacyPath: legacyPath,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")
	s.updateKnownSessionsMetric()

	return s, nil
}

// validateKey validates the conversation key for security
func (s *Store) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("conversation key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("conversation key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("conversation key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("conversation key cannot contain null bytes")
	}
	return nil
}

// sessionPath returns the record path for a key
func (s *Store) sessionPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) updateKnownSessionsMetric() {
	sessions, err := s.List()
	if err != nil {
		return
	}
	observability.SetKnownSessions(len(sessions))
}

// getWriteLock gets or creates a write lock for a key
func (s *Store) getWriteLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[key]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

// read loads the record for key. Any read or decode failure is treated as
// "absent" so a damaged record triggers re-creation instead of an outage.
func (s *Store) read(key string) (*Session, bool) {
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	data, err := os.ReadFile(s.sessionPath(key))
	if err != nil {
		return nil, false
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding unreadable session record")
		return nil, false
	}
	if sess.SessionID == "" {
		return nil, false
	}
	return &sess, true
}

// write persists the record for key atomically. Write failures propagate:
// a created-but-unpersisted session must not be handed to the caller.
func (s *Store) write(sess *Session) error {
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+sess.Key+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close session record: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set session record permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.sessionPath(sess.Key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to persist session record: %w", err)
	}
	return nil
}

// importLegacy attempts a one-time import of the old single-record file.
// Only ever called for DefaultKey.
func (s *Store) importLegacy() (*Session, bool) {
	if s.legacyPath == "" {
		return nil, false
	}

	data, err := os.ReadFile(s.legacyPath)
	if err != nil {
		return nil, false
	}

	var old legacySession
	if err := json.Unmarshal(data, &old); err != nil || old.SessionID == "" {
		return nil, false
	}

	sess := &Session{
		Key:          DefaultKey,
		SessionID:    old.SessionID,
		CreatedAt:    old.CreatedAt,
		MessageCount: old.MessageCount,
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}

	log.Info().
		Str("key", DefaultKey).
		Str("session_id", old.SessionID).
		Int("message_count", old.MessageCount).
		Msg("Imported legacy session record")

	return sess, true
}

// GetOrCreate returns the session for key, creating and persisting a fresh
// one if none exists.
func (s *Store) GetOrCreate(key string) (*Session, error) {
	return s.GetOrCreateWithContext(context.Background(), key)
}

// GetOrCreateWithContext returns the session for key with tracing context.
func (s *Store) GetOrCreateWithContext(ctx context.Context, key string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"courier.sessionstore",
		"sessionstore.get_or_create",
		attribute.String("conversation_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("key", key).Logger()

	if err := s.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	if sess, ok := s.read(key); ok {
		return sess, nil
	}

	if key == DefaultKey {
		if sess, ok := s.importLegacy(); ok {
			if err := s.write(sess); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			s.updateKnownSessionsMetric()
			return sess, nil
		}
	}

	sess := &Session{
		Key:       key,
		SessionID: uuid.NewString(),
		CreatedAt: time.Now(),
	}
	if err := s.write(sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.updateKnownSessionsMetric()
	logger.Info().Str("session_id", sess.SessionID).Msg("Session created")

	return sess, nil
}

// Reset unconditionally replaces the session for key with a fresh one.
// Other keys are untouched.
func (s *Store) Reset(key string) (*Session, error) {
	return s.ResetWithContext(context.Background(), key)
}

// ResetWithContext replaces the session for key with tracing context.
func (s *Store) ResetWithContext(ctx context.Context, key string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"courier.sessionstore",
		"sessionstore.reset",
		attribute.String("conversation_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("key", key).Logger()

	if err := s.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	sess := &Session{
		Key:       key,
		SessionID: uuid.NewString(),
		CreatedAt: time.Now(),
	}
	if err := s.write(sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Info().Str("session_id", sess.SessionID).Msg("Session reset")

	return sess, nil
}

// RecordSuccess increments the message counter for key after an error-free
// invocation and stores the resolved session id when the tool rewrote it.
// A missing record is tolerated: a concurrent reset may have replaced the
// session, in which case the last writer wins.
func (s *Store) RecordSuccess(key, resolvedSessionID string) error {
	return s.RecordSuccessWithContext(context.Background(), key, resolvedSessionID)
}

// RecordSuccessWithContext increments the message counter with tracing context.
func (s *Store) RecordSuccessWithContext(ctx context.Context, key, resolvedSessionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"courier.sessionstore",
		"sessionstore.record_success",
		attribute.String("conversation_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("key", key).Logger()

	if err := s.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := s.read(key)
	if !ok {
		logger.Warn().Msg("Session vanished before success could be recorded")
		return nil
	}

	sess.MessageCount++
	if resolvedSessionID != "" {
		sess.SessionID = resolvedSessionID
	}

	if err := s.write(sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger.Debug().
		Int("message_count", sess.MessageCount).
		Str("session_id", sess.SessionID).
		Msg("Recorded successful invocation")

	return nil
}

// List returns all known sessions sorted by key. Files in the store
// directory that are not valid session records are skipped.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.Key == "" || sess.SessionID == "" {
			continue
		}
		sessions = append(sessions, &sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Key < sessions[j].Key
	})

	return sessions, nil
}
