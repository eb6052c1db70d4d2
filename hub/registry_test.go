package hub

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teranos/tabhub/protocol"
)

func synthCounter() func() string {
	n := 0
	return func() string {
		n++
		return "synth"
	}
}

func TestRegistryAutomatorSlot(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Automator())

	first := &Conn{id: 1}
	require.Nil(t, r.InstallAutomator(first, "ext-1"))
	require.Same(t, first, r.Automator())

	// At most one automator: installing a second evicts the first.
	second := &Conn{id: 2}
	evicted := r.InstallAutomator(second, "ext-2")
	require.Same(t, first, evicted)
	require.Same(t, second, r.Automator())
}

func TestRegistryRequesterSuffixing(t *testing.T) {
	r := NewRegistry()

	c1 := &Conn{id: 1}
	c2 := &Conn{id: 2}
	c3 := &Conn{id: 3}

	require.Equal(t, "a", r.InstallRequester(c1, protocol.ClientInfo{ID: "a"}, synthCounter()))
	require.Equal(t, "a-2", r.InstallRequester(c2, protocol.ClientInfo{ID: "a"}, synthCounter()))
	require.Equal(t, "a-3", r.InstallRequester(c3, protocol.ClientInfo{ID: "a"}, synthCounter()))
	require.Equal(t, 3, r.RequesterCount())

	conn, ok := r.Requester("a-2")
	require.True(t, ok)
	require.Same(t, c2, conn)
}

func TestRegistrySynthesizesEmptyID(t *testing.T) {
	r := NewRegistry()
	id := r.InstallRequester(&Conn{id: 1}, protocol.ClientInfo{}, synthCounter())
	require.Equal(t, "synth", id)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()

	automator := &Conn{id: 1}
	requester := &Conn{id: 2}
	r.InstallAutomator(automator, "ext")
	r.InstallRequester(requester, protocol.ClientInfo{ID: "a"}, synthCounter())

	wasAutomator, removedID := r.Remove(automator)
	require.True(t, wasAutomator)
	require.Empty(t, removedID)
	require.Nil(t, r.Automator())

	wasAutomator, removedID = r.Remove(requester)
	require.False(t, wasAutomator)
	require.Equal(t, "a", removedID)
	require.Equal(t, 0, r.RequesterCount())

	// Removing an unknown connection is a no-op.
	wasAutomator, removedID = r.Remove(&Conn{id: 99})
	require.False(t, wasAutomator)
	require.Empty(t, removedID)
}

func TestRegistrySummariesSorted(t *testing.T) {
	r := NewRegistry()
	r.InstallRequester(&Conn{id: 1}, protocol.ClientInfo{ID: "zeta", Name: "Z"}, synthCounter())
	r.InstallRequester(&Conn{id: 2}, protocol.ClientInfo{ID: "alpha", Name: "A"}, synthCounter())

	r.IncrementRequestCount("alpha")
	r.IncrementRequestCount("alpha")

	summaries := r.Summaries()
	require.Len(t, summaries, 2)
	require.Equal(t, "alpha", summaries[0].ID)
	require.Equal(t, "zeta", summaries[1].ID)
	require.Equal(t, uint64(2), summaries[0].RequestCount)
	require.NotZero(t, summaries[0].RegisteredAt)
}
