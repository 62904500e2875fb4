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
	"time"

	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines)
//
// The journal is replayed into a bounded in-memory window at open, so
// RunsSince never touches the disk afterwards. With a retention configured
// the journal is also compacted at open (tmp + rename), dropping records
// older than the cutoff.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile *os.File

	// recent holds the newest records, oldest first.
	recent []RunRecord
}

// recentCap bounds the replayed window; RunsSince answers from it.
const recentCap = 5000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"

	if cfg.Retention > 0 {
		if err := compactRuns(runsPath, time.Now().Add(-cfg.Retention)); err != nil {
			log.Debug("run journal compact failed", logx.Any("err", err))
		}
	}

	recent, err := replayRuns(runsPath, recentCap)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:      log,
		runsFile: rf,
		recent:   recent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("run journal closed")
	}
	enc := json.NewEncoder(s.runsFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.recent = append(s.recent, r)
	if len(s.recent) > recentCap {
		s.recent = s.recent[len(s.recent)-recentCap:]
	}
	return nil
}

func (s *fileStore) RunsSince(ctx context.Context, since time.Time) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for _, r := range s.recent {
		if r.At.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// compactRuns rewrites the journal keeping only records at or after cutoff.
// A missing journal is fine.
func compactRuns(path string, cutoff time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	tmp := path + ".tmp"
	w, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = f.Close()
		return err
	}

	enc := json.NewEncoder(w)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.At.Before(cutoff) {
			continue
		}
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			_ = w.Close()
			return err
		}
	}
	_ = f.Close()
	if err := sc.Err(); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// replayRuns loads the newest max records from the journal, oldest first.
// Malformed lines are skipped.
func replayRuns(path string, max int) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.At.IsZero() {
			continue
		}
		out = append(out, r)
		if max > 0 && len(out) > max {
			out = out[len(out)-max:]
		}
	}
	return out, sc.Err()
}
