// Package jsonl stores each session as a JSON header plus an append-only
// newline-delimited journal on the local filesystem.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
)

const (
	headerSuffix  = ".session.json"
	journalSuffix = ".jsonl"
	maxRecordSize = 16 << 20
)

// Store is a directory of session files.
type Store struct {
	dir string
	mu  sync.Mutex
}

var _ storage.SessionRepository = (*Store)(nil)

// NewStore opens (and creates if needed) a session directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) headerPath(id string) string {
	return filepath.Join(s.dir, id+headerSuffix)
}

func (s *Store) journalPath(id string) string {
	return filepath.Join(s.dir, id+journalSuffix)
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, session *domain.LoopSession) error {
	if err := validID(session.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.headerPath(session.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return storage.ErrSessionExists
		}
		return fmt.Errorf("create session header: %w", err)
	}
	f.Close()

	return s.writeHeader(session)
}

// writeHeader replaces the header atomically via temp file and rename.
func (s *Store) writeHeader(session *domain.LoopSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, session.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp header: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp header: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp header: %w", err)
	}
	if err := os.Rename(tmpPath, s.headerPath(session.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename header: %w", err)
	}
	return nil
}

func (s *Store) readHeader(path string) (*domain.LoopSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session header: %w", err)
	}
	var session domain.LoopSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session header %s: %w", filepath.Base(path), err)
	}
	return &session, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*domain.LoopSession, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readHeader(s.headerPath(sessionID))
}

func (s *Store) UpdateSession(ctx context.Context, session *domain.LoopSession) error {
	if err := validID(session.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.headerPath(session.ID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrSessionNotFound
		}
		return err
	}
	return s.writeHeader(session)
}

// Append writes one JSON line and fsyncs before returning.
func (s *Store) Append(ctx context.Context, record *storage.Record) error {
	if err := validID(record.SessionID); err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.headerPath(record.SessionID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrSessionNotFound
		}
		return err
	}

	f, err := os.OpenFile(s.journalPath(record.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return f.Sync()
}

// Records reads the journal. A torn final line left by a crash is ignored.
func (s *Store) Records(ctx context.Context, sessionID string) ([]*storage.Record, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.headerPath(sessionID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, err
	}

	f, err := os.Open(s.journalPath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var (
		records []*storage.Record
		pending error
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if pending != nil {
			return nil, pending
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r storage.Record
		if err := json.Unmarshal(line, &r); err != nil {
			pending = fmt.Errorf("decode journal line %d: %w", lineNo, err)
			continue
		}
		records = append(records, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return records, nil
}

func (s *Store) List(ctx context.Context) ([]*domain.LoopSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+headerSuffix))
	if err != nil {
		return nil, err
	}
	sessions := make([]*domain.LoopSession, 0, len(matches))
	for _, path := range matches {
		session, err := s.readHeader(path)
		if err != nil {
			// Header reserved by Create but not yet written.
			if info, statErr := os.Stat(path); statErr == nil && info.Size() == 0 {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, session := range sessions {
		if !storage.Expired(session, cutoff) {
			continue
		}
		if err := os.Remove(s.journalPath(session.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return deleted, fmt.Errorf("remove journal %s: %w", session.ID, err)
		}
		if err := os.Remove(s.headerPath(session.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return deleted, fmt.Errorf("remove header %s: %w", session.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) Close() error {
	return nil
}
