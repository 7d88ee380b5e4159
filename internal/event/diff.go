package event

// Diff is the add/remove plan produced by one comparison pass. It is
// computed fresh on every pass and never persisted.
type Diff struct {
	ToAdd    []*SyncableEvent
	ToRemove []*RemoteEvent
}

// Empty reports whether the diff has no work.
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// ComputeDiff compares a remote event snapshot against the locally recorded
// state and returns the events to push and the remote events to delete.
//
// Both sides are reduced to (start, end) time-slot multisets. Only a count
// imbalance at a slot produces diff entries: distinct events sharing
// identical start/end (duplicate all-day blocks, parallel meetings) are
// matched against each other by count, never spuriously added and removed.
// Running the diff twice on unchanged inputs yields an empty diff.
func ComputeDiff(remote []*RemoteEvent, local []*SyncableEvent) Diff {
	remoteCount := make(map[TimeSlot]int, len(remote))
	for _, ev := range remote {
		remoteCount[ev.Slot()]++
	}

	localCount := make(map[TimeSlot]int, len(local))
	for _, ev := range local {
		localCount[ev.Slot()]++
	}

	var diff Diff

	// Local surplus at a slot means the destination is missing that many
	// copies; pick them from the local list in its own order.
	need := make(map[TimeSlot]int, len(localCount))
	for slot, lc := range localCount {
		if surplus := lc - remoteCount[slot]; surplus > 0 {
			need[slot] = surplus
		}
	}
	for _, ev := range local {
		slot := ev.Slot()
		if need[slot] > 0 {
			diff.ToAdd = append(diff.ToAdd, ev)
			need[slot]--
		}
	}

	// Remote surplus means we previously pushed copies that no longer have
	// a local counterpart. Remove earliest-first in listing order.
	drop := make(map[TimeSlot]int, len(remoteCount))
	for slot, rc := range remoteCount {
		if surplus := rc - localCount[slot]; surplus > 0 {
			drop[slot] = surplus
		}
	}
	for _, ev := range remote {
		slot := ev.Slot()
		if drop[slot] > 0 {
			diff.ToRemove = append(diff.ToRemove, ev)
			drop[slot]--
		}
	}

	return diff
}
