package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func local(id string, start, end time.Time) *SyncableEvent {
	return &SyncableEvent{ID: id, SourceID: "src-1", Start: start, End: end}
}

func remote(id string, start, end time.Time) *RemoteEvent {
	return &RemoteEvent{DeleteID: id, UID: id + "@" + UIDDomain, Start: start, End: end}
}

func TestComputeDiffIdenticalStateIsEmpty(t *testing.T) {
	l := []*SyncableEvent{
		local("a", base, base.Add(30*time.Minute)),
		local("b", base.Add(5*time.Hour), base.Add(6*time.Hour)),
	}
	r := []*RemoteEvent{
		remote("ra", base, base.Add(30*time.Minute)),
		remote("rb", base.Add(5*time.Hour), base.Add(6*time.Hour)),
	}

	diff := ComputeDiff(r, l)
	assert.True(t, diff.Empty(), "matching multisets must produce an empty diff")
}

func TestComputeDiffPushesMissingLocal(t *testing.T) {
	// Destination has only the morning block; the afternoon one must be pushed.
	l := []*SyncableEvent{
		local("a", base, base.Add(30*time.Minute)),
		local("b", base.Add(5*time.Hour), base.Add(6*time.Hour)),
	}
	r := []*RemoteEvent{
		remote("ra", base, base.Add(30*time.Minute)),
	}

	diff := ComputeDiff(r, l)
	require.Len(t, diff.ToAdd, 1)
	assert.Equal(t, "b", diff.ToAdd[0].ID)
	assert.Empty(t, diff.ToRemove)
}

func TestComputeDiffRemovesStaleRemote(t *testing.T) {
	l := []*SyncableEvent{
		local("a", base, base.Add(30*time.Minute)),
	}
	r := []*RemoteEvent{
		remote("ra", base, base.Add(30*time.Minute)),
		remote("rb", base.Add(5*time.Hour), base.Add(6*time.Hour)),
	}

	diff := ComputeDiff(r, l)
	assert.Empty(t, diff.ToAdd)
	require.Len(t, diff.ToRemove, 1)
	assert.Equal(t, "rb", diff.ToRemove[0].DeleteID)
}

func TestComputeDiffDuplicateSlots(t *testing.T) {
	slotStart, slotEnd := base, base.Add(time.Hour)

	// Two remote copies, one local: exactly one removal.
	diff := ComputeDiff(
		[]*RemoteEvent{remote("r1", slotStart, slotEnd), remote("r2", slotStart, slotEnd)},
		[]*SyncableEvent{local("l1", slotStart, slotEnd)},
	)
	assert.Empty(t, diff.ToAdd)
	require.Len(t, diff.ToRemove, 1)
	assert.Equal(t, "r1", diff.ToRemove[0].DeleteID, "surplus removal picks the earliest listed copy")

	// Reversed imbalance: exactly one add.
	diff = ComputeDiff(
		[]*RemoteEvent{remote("r1", slotStart, slotEnd)},
		[]*SyncableEvent{local("l1", slotStart, slotEnd), local("l2", slotStart, slotEnd)},
	)
	require.Len(t, diff.ToAdd, 1)
	assert.Empty(t, diff.ToRemove)

	// Equal duplicate counts must not churn.
	diff = ComputeDiff(
		[]*RemoteEvent{remote("r1", slotStart, slotEnd), remote("r2", slotStart, slotEnd)},
		[]*SyncableEvent{local("l1", slotStart, slotEnd), local("l2", slotStart, slotEnd)},
	)
	assert.True(t, diff.Empty())
}

func TestComputeDiffIdempotentAfterApply(t *testing.T) {
	l := []*SyncableEvent{
		local("a", base, base.Add(30*time.Minute)),
		local("b", base.Add(5*time.Hour), base.Add(6*time.Hour)),
	}
	r := []*RemoteEvent{
		remote("ra", base, base.Add(30*time.Minute)),
	}

	first := ComputeDiff(r, l)
	require.Len(t, first.ToAdd, 1)

	// Simulate applying the plan, then re-diff.
	for _, added := range first.ToAdd {
		r = append(r, &RemoteEvent{DeleteID: "new", UID: "new", Start: added.Start, End: added.End})
	}
	second := ComputeDiff(r, l)
	assert.True(t, second.Empty(), "re-sync with unchanged state must be a no-op")
}

func TestComputeDiffEmptyInputs(t *testing.T) {
	assert.True(t, ComputeDiff(nil, nil).Empty())

	diff := ComputeDiff(nil, []*SyncableEvent{local("a", base, base.Add(time.Hour))})
	assert.Len(t, diff.ToAdd, 1)

	diff = ComputeDiff([]*RemoteEvent{remote("r", base, base.Add(time.Hour))}, nil)
	assert.Len(t, diff.ToRemove, 1)
}
