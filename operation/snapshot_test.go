package operation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operations.json")

	m := newTestManager()
	m.Create("op1", "tab_send_message", "client-a")
	require.NoError(t, m.ApplyMilestone("op1", MilestoneCompleted, json.RawMessage(`{"tabId":42}`)))
	m.Create("op2", "tab_send_message", "client-b")
	require.NoError(t, m.ApplyMilestone("op2", "input_filled", nil))

	require.NoError(t, m.SaveSnapshot(path))

	restored := newTestManager()
	require.NoError(t, restored.LoadSnapshot(path))
	require.Equal(t, 2, restored.Count())

	op1, ok := restored.Get("op1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, op1.Status)
	require.JSONEq(t, `{"tabId":42}`, string(op1.Result))

	// In-flight operations do not survive a restart: marked ABANDONED.
	op2, ok := restored.Get("op2")
	require.True(t, ok)
	require.Equal(t, StatusError, op2.Status)
	require.NotNil(t, op2.Error)
	require.Equal(t, "ABANDONED", string(op2.Error.Code))
}

func TestSnapshotAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "operations.json")

	m := newTestManager()
	m.Create("op1", "t", "client-a")
	require.NoError(t, m.SaveSnapshot(path))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "operations.json", entries[0].Name())
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.LoadSnapshot(filepath.Join(t.TempDir(), "absent.json")))
	require.Equal(t, 0, m.Count())
}

func TestLoadSnapshotVersionMismatchDiscards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operations.json")
	data, err := json.Marshal(map[string]interface{}{
		"version": 99,
		"operations": []map[string]interface{}{
			{"id": "op1", "status": "completed"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m := newTestManager()
	require.NoError(t, m.LoadSnapshot(path))
	require.Equal(t, 0, m.Count())
}

func TestLoadSnapshotMalformedDiscards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operations.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	m := newTestManager()
	require.NoError(t, m.LoadSnapshot(path))
	require.Equal(t, 0, m.Count())
}

func TestSnapshotOrderedByCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operations.json")

	m := newTestManager()
	m.Create("first", "t", "a")
	time.Sleep(2 * time.Millisecond)
	m.Create("second", "t", "a")
	require.NoError(t, m.SaveSnapshot(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap struct {
		Version    int          `json:"version"`
		Operations []*Operation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, 1, snap.Version)
	require.Len(t, snap.Operations, 2)
	require.Equal(t, "first", snap.Operations[0].ID)
	require.Equal(t, "second", snap.Operations[1].ID)
}
