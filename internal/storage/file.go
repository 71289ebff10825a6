package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "alarmd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl (append-only JSON Lines)
//
// The newest maxEvents entries are kept in memory for fast reads; the
// file is periodically compacted down to that bound.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsPath string
	eventsFile *os.File

	ring      []Event // oldest first
	maxEvents int

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"

	ring := make([]Event, 0, maxEvents)
	ring = replayEvents(eventsPath, ring, maxEvents)

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:        log,
		eventsPath: eventsPath,
		eventsFile: ef,
		ring:       ring,
		maxEvents:  maxEvents,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil
	}
	err := s.eventsFile.Close()
	s.eventsFile = nil
	return err
}

func (s *fileStore) AppendEvent(ctx context.Context, e Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return errors.New("events file closed")
	}

	if err := json.NewEncoder(s.eventsFile).Encode(e); err != nil {
		return err
	}

	s.ring = append(s.ring, e)
	if len(s.ring) > s.maxEvents {
		s.ring = s.ring[len(s.ring)-s.maxEvents:]
	}

	s.writes++
	// Compact once the file holds several retention windows of dead weight.
	if s.writes >= s.maxEvents*4 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("event log compact failed", logx.Any("err", err))
		} else {
			s.writes = 0
		}
	}
	return nil
}

func (s *fileStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.ring) {
		limit = len(s.ring)
	}
	// newest first
	out := make([]Event, 0, limit)
	for i := len(s.ring) - 1; i >= len(s.ring)-limit; i-- {
		out = append(out, s.ring[i])
	}
	return out, nil
}

// compactLocked rewrites the event file with only the retained ring.
func (s *fileStore) compactLocked() error {
	tmp := s.eventsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range s.ring {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.eventsPath); err != nil {
		return err
	}

	// Reopen the append handle on the compacted file.
	if s.eventsFile != nil {
		_ = s.eventsFile.Close()
	}
	ef, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.eventsFile = nil
		return err
	}
	s.eventsFile = ef
	return nil
}

// replayEvents loads the tail of an existing jsonl file into the ring.
func replayEvents(path string, ring []Event, maxEvents int) []Event {
	f, err := os.Open(path)
	if err != nil {
		return ring
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		ring = append(ring, e)
		if len(ring) > maxEvents {
			ring = ring[len(ring)-maxEvents:]
		}
	}
	return ring
}
