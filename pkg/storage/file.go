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

	"clockwork/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl         (append-only JSON Lines run journal)
//   - <prefix>.kv.snapshot.json   (periodic snapshot)
//   - <prefix>.kv.journal.jsonl   (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile *os.File

	kvSnapshotPath string
	kvJournalFile  *os.File
	kv             map[string]string

	kvWrites int
}

type kvRecord struct {
	Key string `json:"key"`
	// Value is a pointer so a delete (nil) is distinguishable from "".
	Value *string `json:"value"`
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

	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load kv from snapshot + journal.
	kv := map[string]string{}
	_ = loadKVSnapshot(snapPath, kv)
	_ = replayKVJournal(journalPath, kv)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{
		log:            log,
		runsFile:       rf,
		kvSnapshotPath: snapPath,
		kvJournalFile:  jf,
		kv:             kv,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.kvJournalFile != nil {
		err2 = s.kvJournalFile.Close()
		s.kvJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("run journal closed")
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) Put(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kvJournalFile == nil {
		return errors.New("kv journal closed")
	}
	s.kv[key] = value
	return s.appendJournalLocked(kvRecord{Key: key, Value: &value})
}

func (s *fileStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kvJournalFile == nil {
		return errors.New("kv journal closed")
	}
	if _, ok := s.kv[key]; !ok {
		return nil
	}
	delete(s.kv, key)
	return s.appendJournalLocked(kvRecord{Key: key, Value: nil})
}

func (s *fileStore) appendJournalLocked(r kvRecord) error {
	if err := json.NewEncoder(s.kvJournalFile).Encode(r); err != nil {
		return err
	}
	s.kvWrites++
	if s.kvWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.kvSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.kvSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.kvJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.kvJournalFile.Seek(0, 2)
	return err
}

func loadKVSnapshot(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayKVJournal(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r kvRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if r.Value == nil {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = *r.Value
	}
	return sc.Err()
}
