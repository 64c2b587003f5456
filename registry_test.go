package tripwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTrigger(id string, priority int) Trigger {
	return Trigger{
		ID:        id,
		Name:      id,
		Priority:  priority,
		Active:    true,
		Functions: []string{"f1"},
	}
}

func snapshotIDs(r *Registry) []string {
	snap := r.Snapshot()
	ids := make([]string, len(snap))
	for i, t := range snap {
		ids[i] = t.ID
	}
	return ids
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(makeTrigger("t1", 10)))
	require.NoError(t, r.Register(makeTrigger("t2", 5)))
	assert.Equal(t, 2, r.Len())

	err := r.Register(makeTrigger("t1", 1))
	require.Error(t, err)
	assert.Equal(t, 2, r.Len())

	err = r.Register(Trigger{ID: "bad", Active: true}) // no bound functions
	require.Error(t, err)
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("low", 1)))
	require.NoError(t, r.Register(makeTrigger("high", 10)))
	require.NoError(t, r.Register(makeTrigger("mid", 5)))

	assert.Equal(t, []string{"high", "mid", "low"}, snapshotIDs(r))
}

func TestRegistryPriorityTieBreak(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("first", 5)))
	require.NoError(t, r.Register(makeTrigger("second", 5)))
	require.NoError(t, r.Register(makeTrigger("third", 5)))

	// Equal priorities keep registration order.
	assert.Equal(t, []string{"first", "second", "third"}, snapshotIDs(r))

	// Raising a later trigger's priority moves it ahead; the tie between the
	// others is untouched.
	require.NoError(t, r.SetPriority("third", 9))
	assert.Equal(t, []string{"third", "first", "second"}, snapshotIDs(r))
}

func TestRegistryActivateDeactivate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("t1", 10)))
	require.NoError(t, r.Register(makeTrigger("t2", 5)))

	require.NoError(t, r.Deactivate("t1"))
	assert.Equal(t, []string{"t2"}, snapshotIDs(r))
	assert.Equal(t, 2, r.Len(), "deactivated triggers stay registered")

	require.NoError(t, r.Activate("t1"))
	assert.Equal(t, []string{"t1", "t2"}, snapshotIDs(r))

	require.Error(t, r.Activate("ghost"))
	require.Error(t, r.Deactivate("ghost"))
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("t1", 10)))

	require.NoError(t, r.Unregister("t1"))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())

	require.Error(t, r.Unregister("t1"))
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("t1", 10)))

	got, err := r.Get("t1")
	require.NoError(t, err)

	got.Priority = 99
	again, err := r.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, 10, again.Priority)

	_, err = r.Get("ghost")
	require.Error(t, err)
}

func TestRegistryReload(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("old", 1)))

	next := []Trigger{
		makeTrigger("a", 3),
		makeTrigger("b", 7),
	}
	require.NoError(t, r.ReloadFromConfig(next))

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"b", "a"}, snapshotIDs(r))
	_, err := r.Get("old")
	require.Error(t, err)
}

func TestRegistryReloadRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("keep", 1)))
	before := snapshotIDs(r)

	batch := []Trigger{
		makeTrigger("a", 1),
		makeTrigger("b", 2),
		makeTrigger("c", 3),
		makeTrigger("b", 4), // duplicate
		makeTrigger("d", 5),
	}
	err := r.ReloadFromConfig(batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	// The failed reload left the prior set untouched.
	assert.Equal(t, before, snapshotIDs(r))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryReloadRejectsInvalidTrigger(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("keep", 1)))

	batch := []Trigger{
		makeTrigger("a", 1),
		{ID: "broken", Active: true, Timeout: -time.Second, Functions: []string{"f1"}},
	}
	require.Error(t, r.ReloadFromConfig(batch))
	assert.Equal(t, []string{"keep"}, snapshotIDs(r))
}

func TestRegistrySnapshotImmutableAcrossMutation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(makeTrigger("t1", 10)))
	require.NoError(t, r.Register(makeTrigger("t2", 5)))

	old := r.Snapshot()
	require.NoError(t, r.Deactivate("t2"))

	// The previously taken snapshot still holds both triggers.
	assert.Len(t, old, 2)
	assert.Len(t, r.Snapshot(), 1)
}
