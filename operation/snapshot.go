package operation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/protocol"
)

// snapshotVersion is bumped whenever the serialized shape changes.
// Reload discards snapshots with a different version.
const snapshotVersion = 1

type snapshotFile struct {
	Version    int          `json:"version"`
	Operations []*Operation `json:"operations"`
}

// SaveSnapshot serializes the operation table to disk atomically
// (write temp + rename). Called during graceful shutdown.
func (m *Manager) SaveSnapshot(path string) error {
	m.mu.Lock()
	ops := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		ops = append(ops, op.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt < ops[j].CreatedAt })

	data, err := json.MarshalIndent(snapshotFile{Version: snapshotVersion, Operations: ops}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal operation snapshot")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create snapshot directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".operations-*.json")
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to write snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close snapshot temp file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename snapshot into place at %s", path)
	}

	m.logger.Infow("Operation snapshot saved",
		"path", path,
		"operations", len(ops),
	)
	return nil
}

// LoadSnapshot restores the operation table from disk. Best-effort: a
// missing file is not an error, and a version mismatch discards the
// snapshot. Operations that were in flight when the snapshot was taken are
// marked ABANDONED — the browser work backing them did not survive the
// restart.
func (m *Manager) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read snapshot %s", path)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warnw("Discarding malformed operation snapshot",
			"path", path,
			"error", err,
		)
		return nil
	}

	if snap.Version != snapshotVersion {
		m.logger.Warnw("Discarding operation snapshot with version mismatch",
			"path", path,
			"snapshot_version", snap.Version,
			"expected_version", snapshotVersion,
		)
		return nil
	}

	now := protocol.NowMillis()
	abandoned := 0

	m.mu.Lock()
	for _, op := range snap.Operations {
		if op == nil || op.ID == "" {
			continue
		}
		if !op.Status.Terminal() {
			op.Status = StatusError
			op.Error = &OpError{Code: protocol.CodeAbandoned, Message: "operation did not survive hub restart"}
			op.LastUpdated = now
			abandoned++
		}
		m.ops[op.ID] = op
	}
	loaded := len(m.ops)
	m.mu.Unlock()

	m.logger.Infow("Operation snapshot loaded",
		"path", path,
		"operations", loaded,
		"abandoned", abandoned,
	)
	return nil
}
