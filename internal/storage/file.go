package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.executions.snapshot.json (compacted execution records)
//   - <prefix>.executions.jsonl         (append-only journal)
//   - <prefix>.kv.snapshot.json         (marks + dedup snapshot)
//   - <prefix>.kv.journal.jsonl         (append-only journal)
//
// Journals are periodically compacted into their snapshots.
type fileStore struct {
	log    logx.Logger
	retain int

	mu sync.Mutex

	execSnapshotPath string
	execJournal      *os.File
	execs            map[string]execRecord
	seq              uint64
	execWrites       int

	kvSnapshotPath string
	kvJournal      *os.File
	kv             map[string]int64 // unix milli
	kvWrites       int
}

type execRecord struct {
	// Seq orders finished executions by completion; 0 while running.
	Seq       uint64             `json:"seq,omitempty"`
	Execution workflow.Execution `json:"execution"`
}

type kvRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const (
	markPrefix  = "mark:"
	dedupPrefix = "dedup:"

	compactEvery = 500
)

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

	s := &fileStore{
		log:              log,
		retain:           cfg.retain(),
		execSnapshotPath: prefix + ".executions.snapshot.json",
		execs:            map[string]execRecord{},
		kvSnapshotPath:   prefix + ".kv.snapshot.json",
		kv:               map[string]int64{},
	}
	execJournalPath := prefix + ".executions.jsonl"
	kvJournalPath := prefix + ".kv.journal.jsonl"

	if err := s.loadExecSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("execution snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(execJournalPath, func(b []byte) {
		var r execRecord
		if json.Unmarshal(b, &r) == nil && r.Execution.ID != "" {
			s.applyExec(r)
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	_ = loadKVSnapshot(s.kvSnapshotPath, s.kv)
	_ = replayJournal(kvJournalPath, func(b []byte) {
		var r kvRecord
		if json.Unmarshal(b, &r) == nil && r.Key != "" {
			s.kv[r.Key] = r.Until
		}
	})
	pruneExpiredDedup(s.kv)

	ej, err := os.OpenFile(execJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	kj, err := os.OpenFile(kvJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ej.Close()
		return nil, err
	}
	s.execJournal, s.kvJournal = ej, kj

	s.mu.Lock()
	if err := s.compactExecLocked(); err != nil {
		log.Debug("execution compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.execJournal != nil {
		err1 = s.execJournal.Close()
		s.execJournal = nil
	}
	if s.kvJournal != nil {
		err2 = s.kvJournal.Close()
		s.kvJournal = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) applyExec(r execRecord) {
	if prev, ok := s.execs[r.Execution.ID]; ok && prev.Seq > 0 && r.Seq == 0 {
		r.Seq = prev.Seq
	}
	s.execs[r.Execution.ID] = r
	if r.Seq > s.seq {
		s.seq = r.Seq
	}
}

func (s *fileStore) SaveExecution(ctx context.Context, e workflow.Execution) error {
	_ = ctx
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execJournal == nil {
		return ErrDisabled
	}

	r := execRecord{Seq: s.execs[e.ID].Seq, Execution: e.Clone()}
	if r.Seq == 0 && e.Status.Terminal() {
		s.seq++
		r.Seq = s.seq
	}
	if err := json.NewEncoder(s.execJournal).Encode(r); err != nil {
		return err
	}
	s.applyExec(r)

	s.execWrites++
	if s.execWrites%compactEvery == 0 {
		if err := s.compactExecLocked(); err != nil {
			s.log.Debug("execution compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListExecutions(ctx context.Context, limit int) ([]workflow.Execution, error) {
	_ = ctx
	s.mu.Lock()
	recs := make([]execRecord, 0, len(s.execs))
	for _, r := range s.execs {
		if r.Seq > 0 {
			recs = append(recs, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq > recs[j].Seq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]workflow.Execution, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Execution.Clone())
	}
	return out, nil
}

func (s *fileStore) ListUnfinished(ctx context.Context) ([]workflow.Execution, error) {
	_ = ctx
	s.mu.Lock()
	var out []workflow.Execution
	for _, r := range s.execs {
		if r.Seq == 0 && !r.Execution.Status.Terminal() {
			out = append(out, r.Execution.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *fileStore) PutMark(ctx context.Context, key string, at time.Time) error {
	return s.putKV(markPrefix+strings.TrimSpace(key), at)
}

func (s *fileStore) GetMark(ctx context.Context, key string) (time.Time, bool, error) {
	return s.getKV(markPrefix + strings.TrimSpace(key))
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	return s.putKV(dedupPrefix+strings.TrimSpace(key), until)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return s.getKV(dedupPrefix + strings.TrimSpace(key))
}

func (s *fileStore) putKV(key string, at time.Time) error {
	if strings.HasSuffix(key, ":") {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kvJournal == nil {
		return ErrDisabled
	}
	s.kv[key] = ms

	if err := json.NewEncoder(s.kvJournal).Encode(kvRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.kvWrites++
	if s.kvWrites%1000 == 0 {
		if err := s.compactKVLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) getKV(key string) (time.Time, bool, error) {
	if strings.HasSuffix(key, ":") {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.kv[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactExecLocked drops finished records past the retention cap, writes the
// snapshot and truncates the journal.
func (s *fileStore) compactExecLocked() error {
	finished := make([]execRecord, 0, len(s.execs))
	for _, r := range s.execs {
		if r.Seq > 0 {
			finished = append(finished, r)
		}
	}
	if len(finished) > s.retain {
		sort.Slice(finished, func(i, j int) bool { return finished[i].Seq > finished[j].Seq })
		for _, r := range finished[s.retain:] {
			delete(s.execs, r.Execution.ID)
		}
	}

	recs := make([]execRecord, 0, len(s.execs))
	for _, r := range s.execs {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Execution.StartedAt.Before(recs[j].Execution.StartedAt) })
	if err := writeJSONAtomic(s.execSnapshotPath, recs); err != nil {
		return err
	}
	return truncate(s.execJournal)
}

func (s *fileStore) compactKVLocked() error {
	pruneExpiredDedup(s.kv)
	if err := writeJSONAtomic(s.kvSnapshotPath, s.kv); err != nil {
		return err
	}
	return truncate(s.kvJournal)
}

func (s *fileStore) loadExecSnapshot() error {
	f, err := os.Open(s.execSnapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []execRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Execution.ID != "" {
			s.applyExec(r)
		}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncate(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, 2)
	return err
}

func loadKVSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, apply func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 8<<20)
	for sc.Scan() {
		apply(sc.Bytes())
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if strings.HasPrefix(k, dedupPrefix) && v < now {
			delete(m, k)
		}
	}
}
