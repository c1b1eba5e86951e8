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

	logx "cleanupd/pkg/logx"
)

// fileStore keeps everything in a few files next to the configured path.
//
// Files:
//   - <prefix>.jobs.snapshot.json  (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl  (append-only journal of job saves)
//   - <prefix>.incidents.jsonl     (append-only JSON Lines)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	incidentPath string
	incidentFile *os.File

	jobs      map[string]JobRecord
	jobWrites int
	compactN  int
}

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

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"
	incidentPath := prefix + ".incidents.jsonl"

	jobs := map[string]JobRecord{}
	if err := loadJobSnapshot(snapPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJobJournal(journalPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	inf, err := os.OpenFile(incidentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		incidentPath: incidentPath,
		incidentFile: inf,
		jobs:         jobs,
		compactN:     200,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.incidentFile != nil {
		err2 = s.incidentFile.Close()
		s.incidentFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadJob(ctx context.Context, name string) (JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return JobRecord{}, ErrClosed
	}
	rec, ok := s.jobs[name]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *fileStore) SaveJob(ctx context.Context, rec JobRecord, expected uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := checkVersion(s.jobs, rec.Name, expected); err != nil {
		return err
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.jobs[rec.Name] = rec
	s.jobWrites++
	if s.compactN > 0 && s.jobWrites%s.compactN == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendIncident(ctx context.Context, in Incident) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incidentFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.incidentFile).Encode(in)
}

func (s *fileStore) Incidents(ctx context.Context, limit int) ([]Incident, error) {
	_ = ctx
	s.mu.Lock()
	path := s.incidentPath
	closed := s.incidentFile == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []Incident
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var in Incident
		if err := json.Unmarshal(sc.Bytes(), &in); err != nil {
			continue
		}
		all = append(all, in)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadJobSnapshot(path string, out map[string]JobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]JobRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJobJournal applies journal records in order; a torn last line is skipped.
func replayJobJournal(path string, out map[string]JobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Name == "" {
			continue
		}
		if cur, ok := out[r.Name]; ok && cur.Version > r.Version {
			continue
		}
		out[r.Name] = r
	}
	return sc.Err()
}
