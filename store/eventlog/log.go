package eventlog

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/internal/idgen"
)

// maxLineBytes bounds a single event line. Debug payloads can be large; the
// compactor exists precisely to shrink them, but replay must still read them.
const maxLineBytes = 32 * 1024 * 1024

// Metrics is the optional exporter surface the manager reports to.
type Metrics interface {
	ObserveAppend(kind string)
	ObserveReplaySkipped(n int)
	ObserveCompaction(removedByKind map[string]int)
}

// Manager owns every log under one data directory. Appends to a single log
// are serialized by an exclusive per-log lock; different logs append
// concurrently.
type Manager struct {
	baseDir string
	metrics Metrics

	mu     sync.Mutex
	logs   map[ID]*logFile
	closed bool
}

type logFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open prepares a manager rooted at baseDir, creating the directory tree.
func Open(baseDir string) (*Manager, error) {
	if baseDir == "" {
		return nil, errs.New(errs.KindValidation, "event log base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "create event log directory")
	}
	return &Manager{
		baseDir: baseDir,
		logs:    make(map[ID]*logFile),
	}, nil
}

// SetMetrics wires the exporter. Call before the manager is shared.
func (m *Manager) SetMetrics(mx Metrics) { m.metrics = mx }

// Path returns the on-disk location of a log. Per-conversation logs shard by
// the first two and next two hex chars of the conversation ID; per-user logs
// by the first two. The compactor and repair tooling rely on this policy.
func (m *Manager) Path(id ID) string {
	switch id.Scope {
	case ScopeUser:
		aa, _ := idgen.Shard(id.Owner)
		return filepath.Join(m.baseDir, "users", aa, id.Owner+".jsonl")
	case ScopeConversation:
		aa, bb := idgen.Shard(id.Owner)
		return filepath.Join(m.baseDir, "conversations", aa, bb, id.Owner+".jsonl")
	default:
		return filepath.Join(m.baseDir, "events.jsonl")
	}
}

// Append durably writes one event line. The write is flushed to disk before
// Append returns; callers treat success as commit.
func (m *Manager) Append(id ID, env Envelope) error {
	lf, err := m.handle(id)
	if err != nil {
		return err
	}

	line, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(err, errs.KindValidation, "marshal event %s", env.Type)
	}
	line = append(line, '\n')

	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		f, err := openAppend(lf.path)
		if err != nil {
			return errs.Wrap(err, errs.KindIO, "open log %s", lf.path)
		}
		lf.f = f
	}
	if _, err := lf.f.Write(line); err != nil {
		return errs.Wrap(err, errs.KindIO, "append to log %s", lf.path)
	}
	if err := lf.f.Sync(); err != nil {
		return errs.Wrap(err, errs.KindIO, "sync log %s", lf.path)
	}
	if m.metrics != nil {
		m.metrics.ObserveAppend(env.Type)
	}
	return nil
}

// Scanner lazily yields the events of one log in file order.
type Scanner struct {
	path    string
	f       *os.File
	scanner *bufio.Scanner
	current Envelope
	skipped int
	metrics Metrics
	err     error
}

// Load opens a lazy scan over a log. A missing log yields an empty scan;
// blank lines are skipped; lines that fail to parse are skipped and logged,
// never aborting replay.
func (m *Manager) Load(id ID) (*Scanner, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, errs.New(errs.KindNotInitialized, "event log manager is closed")
	}

	path := m.Path(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Scanner{path: path}, nil
		}
		return nil, errs.Wrap(err, errs.KindIO, "open log %s", path)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Scanner{path: path, f: f, scanner: sc, metrics: m.metrics}, nil
}

// Next advances to the next parseable event. Returns false at end of log.
func (s *Scanner) Next() bool {
	if s.scanner == nil {
		return false
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.skipped++
			if s.metrics != nil {
				s.metrics.ObserveReplaySkipped(1)
			}
			slog.Warn("skipping malformed event line",
				"log", s.path, "error", err)
			continue
		}
		s.current = env
		return true
	}
	s.err = s.scanner.Err()
	return false
}

// Event returns the envelope at the current position.
func (s *Scanner) Event() Envelope { return s.current }

// Skipped returns the number of malformed lines encountered so far.
func (s *Scanner) Skipped() int { return s.skipped }

// Err reports a read failure, if any. Parse failures are not errors.
func (s *Scanner) Err() error {
	return errors.Wrapf(s.err, "scan log %s", s.path)
}

// Close releases the underlying file. Safe to call on empty scanners.
func (s *Scanner) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// CloseLog closes one open log handle. Idempotent.
func (m *Manager) CloseLog(id ID) error {
	m.mu.Lock()
	lf, ok := m.logs[id]
	if ok {
		delete(m.logs, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	err := lf.f.Close()
	lf.f = nil
	return errors.Wrapf(err, "close log %s", lf.path)
}

// Close closes every open log. Further appends fail with NotInitialized.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	logs := make([]*logFile, 0, len(m.logs))
	for _, lf := range m.logs {
		logs = append(logs, lf)
	}
	m.logs = make(map[ID]*logFile)
	m.mu.Unlock()

	var firstErr error
	for _, lf := range logs {
		lf.mu.Lock()
		if lf.f != nil {
			if err := lf.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			lf.f = nil
		}
		lf.mu.Unlock()
	}
	return firstErr
}

// ListConversationLogs walks the sharded conversation directory and returns
// every conversation ID that has a log file.
func (m *Manager) ListConversationLogs() ([]string, error) {
	root := filepath.Join(m.baseDir, "conversations")
	return listShardedLogs(root)
}

// ListUserLogs returns every user ID that has a log file.
func (m *Manager) ListUserLogs() ([]string, error) {
	root := filepath.Join(m.baseDir, "users")
	return listShardedLogs(root)
}

func listShardedLogs(root string) ([]string, error) {
	var ids []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}
		base := filepath.Base(path)
		ids = append(ids, base[:len(base)-len(".jsonl")])
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}
	return ids, nil
}

func (m *Manager) handle(id ID) (*logFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errs.New(errs.KindNotInitialized, "event log manager is closed")
	}
	lf, ok := m.logs[id]
	if !ok {
		lf = &logFile{path: m.Path(id)}
		m.logs[id] = lf
	}
	return lf, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
