package eventlog

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/anima-research/animachat/internal/errs"
	"github.com/anima-research/animachat/store/blob"
)

// Event kinds the compactor removes entirely: both are reconstructable from
// the persisted conversation state on replay.
var removableKinds = map[string]bool{
	KindActiveBranchChanged: true,
	KindMessageOrderChanged: true,
}

// debugStripThreshold is the payload size above which a debug field is
// stripped (or relocated) instead of kept inline.
const debugStripThreshold = 4 * 1024

// CompactOptions controls one compaction run.
type CompactOptions struct {
	// KeepBackup renames the original to <id>.jsonl.pre-compact.bak instead
	// of discarding it.
	KeepBackup bool
	// Blobs, when set, receives stripped debug payloads; the event keeps a
	// blob reference. When nil, oversized debug fields are dropped.
	Blobs *blob.Store
}

// CompactResult reports what a compaction run changed.
type CompactResult struct {
	BytesBefore    int64
	BytesAfter     int64
	EventsBefore   int
	EventsAfter    int
	RemovedByKind  map[string]int
	DebugStripped  int
	DebugRelocated int
}

// CompactConversation rewrites one conversation log into a smaller equivalent.
// Lines that are neither removed nor modified are copied through byte-for-byte,
// so a log with nothing to compact produces identical output.
func (m *Manager) CompactConversation(convID string, opts CompactOptions) (*CompactResult, error) {
	id := ConversationLog(convID)
	path := m.Path(id)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "conversation log %s not found", convID)
		}
		return nil, errs.Wrap(err, errs.KindIO, "stat log %s", path)
	}

	// Hold the append lock for the whole rewrite so no events land in the
	// old file after we started copying.
	lf, err := m.handle(id)
	if err != nil {
		return nil, err
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f != nil {
		_ = lf.f.Close()
		lf.f = nil
	}

	in, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "open log %s", path)
	}
	defer in.Close()

	tmpPath := path + ".compact.tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "create %s", tmpPath)
	}
	defer func() {
		out.Close()
		os.Remove(tmpPath)
	}()

	res := &CompactResult{
		BytesBefore:   info.Size(),
		RemovedByKind: make(map[string]int),
	}

	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			// Malformed lines are preserved verbatim; compaction must not
			// change what replay observes, and replay skips these anyway.
			if err := writeLine(w, line); err != nil {
				return nil, err
			}
			continue
		}
		res.EventsBefore++

		if removableKinds[env.Type] {
			res.RemovedByKind[env.Type]++
			continue
		}

		if env.Type == KindMessageBranchUpdate {
			rewritten, changed, err := m.compactBranchUpdate(line, opts, res)
			if err != nil {
				return nil, err
			}
			if changed {
				line = rewritten
			}
		}

		res.EventsAfter++
		if err := writeLine(w, line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "scan log %s", path)
	}
	if err := w.Flush(); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "flush %s", tmpPath)
	}
	if err := out.Sync(); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "sync %s", tmpPath)
	}
	if err := out.Close(); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "close %s", tmpPath)
	}

	if opts.KeepBackup {
		bak := path + ".pre-compact.bak"
		if err := os.Rename(path, bak); err != nil {
			return nil, errs.Wrap(err, errs.KindIO, "back up %s", path)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, errs.Wrap(err, errs.KindIO, "replace %s", path)
	}

	after, err := os.Stat(path)
	if err == nil {
		res.BytesAfter = after.Size()
	}

	if m.metrics != nil {
		m.metrics.ObserveCompaction(res.RemovedByKind)
	}
	slog.Info("compacted conversation log",
		"conversation_id", convID,
		"bytes_before", res.BytesBefore,
		"bytes_after", res.BytesAfter,
		"events_before", res.EventsBefore,
		"events_after", res.EventsAfter,
		"debug_stripped", res.DebugStripped,
		"debug_relocated", res.DebugRelocated,
	)
	return res, nil
}

// compactBranchUpdate strips or relocates large debug payloads on a
// message_branch_updated line. Returns the rewritten line and whether it changed.
func (m *Manager) compactBranchUpdate(line []byte, opts CompactOptions, res *CompactResult) ([]byte, bool, error) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, false, nil
	}

	changed := false
	for _, field := range []struct{ raw, ref string }{
		{"debugRequest", "debugRequestBlobId"},
		{"debugResponse", "debugResponseBlobId"},
	} {
		raw, ok := payload[field.raw]
		if !ok || len(raw) <= debugStripThreshold {
			continue
		}
		if opts.Blobs != nil {
			meta, err := opts.Blobs.Save(raw, "application/json")
			if err != nil {
				return nil, false, err
			}
			ref, _ := json.Marshal(meta.ID)
			payload[field.ref] = ref
			res.DebugRelocated++
		} else {
			res.DebugStripped++
		}
		delete(payload, field.raw)
		changed = true
	}
	if !changed {
		return nil, false, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, errs.Wrap(err, errs.KindIO, "re-encode compacted payload")
	}
	env.Data = data
	out, err := json.Marshal(env)
	if err != nil {
		return nil, false, errs.Wrap(err, errs.KindIO, "re-encode compacted event")
	}
	return out, true, nil
}

func writeLine(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return errs.Wrap(err, errs.KindIO, "write compacted line")
	}
	if err := w.WriteByte('\n'); err != nil {
		return errs.Wrap(err, errs.KindIO, "write compacted line")
	}
	return nil
}

// CompactAll compacts every conversation log under the data directory and
// merges the per-log results.
func (m *Manager) CompactAll(opts CompactOptions) (*CompactResult, error) {
	ids, err := m.ListConversationLogs()
	if err != nil {
		return nil, err
	}
	total := &CompactResult{RemovedByKind: make(map[string]int)}
	for _, convID := range ids {
		res, err := m.CompactConversation(convID, opts)
		if err != nil {
			return total, err
		}
		total.BytesBefore += res.BytesBefore
		total.BytesAfter += res.BytesAfter
		total.EventsBefore += res.EventsBefore
		total.EventsAfter += res.EventsAfter
		total.DebugStripped += res.DebugStripped
		total.DebugRelocated += res.DebugRelocated
		for k, v := range res.RemovedByKind {
			total.RemovedByKind[k] += v
		}
	}
	return total, nil
}
