package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"calibra/internal/fleet"
	logx "calibra/pkg/logx"
)

// fileStore is the memory store persisted to disk.
//
// Files:
//   - <prefix>.snapshot.json (whole dataset, rewritten on every commit)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//
// The snapshot is written to a temp file and renamed into place, so a crash
// leaves either the old or the new state.
type fileStore struct {
	*memoryStore
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	auditFile    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	auditPath := prefix + ".audit.jsonl"

	mem := newMemoryStore()
	if err := loadSnapshot(snapPath, mem.data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayAudit(auditPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit log replay failed", logx.Err(err))
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		memoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		auditFile:    af,
	}
	mem.commit = s.persist
	log.Info("file store opened",
		logx.String("snapshot", snapPath),
		logx.Int("instruments", len(mem.data.Instruments)),
	)
	return s, nil
}

// persist runs inside memoryStore.Update, before the new dataset is swapped
// in. A snapshot failure aborts the update; an audit append failure is
// logged only.
func (s *fileStore) persist(d *dataset, audit []fleet.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeSnapshot(s.snapshotPath, d); err != nil {
		return err
	}
	if s.auditFile == nil || len(audit) == 0 {
		return nil
	}
	enc := json.NewEncoder(s.auditFile)
	for _, e := range audit {
		if err := enc.Encode(e); err != nil {
			s.log.Warn("audit append failed", logx.Err(err))
			break
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	_ = s.memoryStore.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func writeSnapshot(path string, d *dataset) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(d); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, out *dataset) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var d dataset
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		return err
	}
	for k, v := range d.Methods {
		out.Methods[k] = v
	}
	for k, v := range d.Calendars {
		out.Calendars[k] = v
	}
	for k, v := range d.Instruments {
		out.Instruments[k] = v
	}
	return nil
}

// replayAudit loads the tail of the audit log so RecentAudit survives
// restarts.
func replayAudit(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e fleet.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		mem.audit = append(mem.audit, e)
		if len(mem.audit) > 2*maxMemoryAudit {
			mem.audit = append([]fleet.AuditEntry(nil), mem.audit[maxMemoryAudit:]...)
		}
	}
	if over := len(mem.audit) - maxMemoryAudit; over > 0 {
		mem.audit = append([]fleet.AuditEntry(nil), mem.audit[over:]...)
	}
	return sc.Err()
}
