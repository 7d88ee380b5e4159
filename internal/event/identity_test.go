package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(sourceID string, start, end time.Time) *SyncableEvent {
	return &SyncableEvent{
		ID:       "evt-1",
		UID:      "upstream-uid",
		Start:    start,
		End:      end,
		Summary:  "Team standup",
		SourceID: sourceID,
	}
}

func TestGenerateUIDDeterministic(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	ev := testEvent("src-abc", start, end)

	uid1 := GenerateUID("usr-owner1", ev)
	uid2 := GenerateUID("usr-owner1", ev)
	assert.Equal(t, uid1, uid2, "same owner and event must produce the same UID")

	// A different owner pushing the identical time range must not collide
	other := GenerateUID("usr-owner2", ev)
	assert.NotEqual(t, uid1, other)
}

func TestGenerateUIDIgnoresLocation(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	est, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	utcUID := GenerateUID("usr-a", testEvent("src-1", start, end))
	estUID := GenerateUID("usr-a", testEvent("src-1", start.In(est), end.In(est)))
	assert.Equal(t, utcUID, estUID, "UID must depend on the instant, not the zone")
}

func TestParseUIDRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	ev := testEvent("src-abc", start, start.Add(time.Hour))

	uid := GenerateUID("usr-01ABC", ev)
	assert.True(t, IsKeeperUID(uid))

	parsed, ok := ParseUID(uid)
	require.True(t, ok)
	assert.Equal(t, "usr-01ABC", parsed.OwnerID)
	assert.Len(t, parsed.Hash, hashLen)
}

func TestIsKeeperUIDRejectsForeign(t *testing.T) {
	foreign := []string{
		"",
		"4A9A1B2C@google.com",
		"random-uid-from-another-tool",
		"deadbeefdeadbeef-usr-x@event.someoneelse.app",
	}
	for _, uid := range foreign {
		assert.False(t, IsKeeperUID(uid), "uid %q should not be recognized", uid)

		_, ok := ParseUID(uid)
		assert.False(t, ok)
	}
}

func TestParseUIDMalformedLocalPart(t *testing.T) {
	// Right domain but no owner separator
	_, ok := ParseUID("deadbeefdeadbeef@" + UIDDomain)
	assert.False(t, ok)

	// Hash of the wrong length
	_, ok = ParseUID("abc-usr-1@" + UIDDomain)
	assert.False(t, ok)
}
