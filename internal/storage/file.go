package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	logx "relaybot/pkg/logx"
)

// fileStore keeps all KV data in memory and persists it as:
//   - <prefix>.audit.jsonl       (append-only JSON Lines)
//   - <prefix>.kv.snapshot.mpk   (msgpack snapshot)
//   - <prefix>.kv.journal.jsonl  (append-only journal since the snapshot)
//
// The journal is folded into the snapshot on open and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	kv           map[string]map[string]string
	writes       int
}

const compactEvery = 1000

type journalRecord struct {
	Op    string `json:"op"` // "put" | "del"
	NS    string `json:"ns"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: prefix + ".kv.snapshot.mpk",
		kv:           map[string]map[string]string{},
	}
	if err := loadSnapshot(s.snapshotPath, s.kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv snapshot unreadable; starting from journal", logx.Err(err))
	}
	journalPath := prefix + ".kv.journal.jsonl"
	if err := replayJournal(journalPath, s.kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.journalFile = jf
	if err := s.compactLocked(); err != nil {
		log.Debug("kv compact on open failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) LoadNamespace(_ context.Context, ns string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.kv[ns]))
	for k, v := range s.kv[ns] {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) PutValue(_ context.Context, ns, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "put", NS: ns, Key: key, Value: value}); err != nil {
		return err
	}
	applyRecord(s.kv, journalRecord{Op: "put", NS: ns, Key: key, Value: value})
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) DeleteValue(_ context.Context, ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[ns][key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", NS: ns, Key: key}); err != nil {
		return err
	}
	applyRecord(s.kv, journalRecord{Op: "del", NS: ns, Key: key})
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.journalFile).Encode(r)
}

func (s *fileStore) maybeCompactLocked() {
	s.writes++
	if s.writes%compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("kv compact failed", logx.Err(err))
	}
}

// compactLocked writes a fresh snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(f).Encode(s.kv); err != nil {
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
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func applyRecord(kv map[string]map[string]string, r journalRecord) {
	switch r.Op {
	case "put":
		m := kv[r.NS]
		if m == nil {
			m = map[string]string{}
			kv[r.NS] = m
		}
		m[r.Key] = r.Value
	case "del":
		delete(kv[r.NS], r.Key)
		if len(kv[r.NS]) == 0 {
			delete(kv, r.NS)
		}
	}
}

func loadSnapshot(path string, out map[string]map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]string
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&m); err != nil {
		return err
	}
	for ns, kv := range m {
		out[ns] = kv
	}
	return nil
}

// replayJournal skips malformed lines: a torn final write must not lose the rest.
func replayJournal(path string, out map[string]map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}
