package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// UIDDomain is the reserved UID suffix marking events created by this
// system. A remote event carrying it may safely be counted or deleted.
const UIDDomain = "event.calkeeper.app"

// hashLen is the number of hex characters kept from the digest. Collisions
// at this length are accepted as "same logical event".
const hashLen = 16

// ParsedUID is the result of decomposing a system-owned UID.
type ParsedUID struct {
	Hash    string
	OwnerID string
}

// GenerateUID builds a deterministic UID for an event pushed on behalf of
// ownerID. The hash covers (sourceID, start, end) so re-pushing the same
// busy block always produces the same UID, and the owner scope keeps two
// owners with identical time ranges from colliding on a shared destination.
func GenerateUID(ownerID string, ev *SyncableEvent) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%d", ev.SourceID, ev.Start.UnixMilli(), ev.End.UnixMilli()))
	hash := hex.EncodeToString(sum[:])[:hashLen]
	return fmt.Sprintf("%s-%s@%s", hash, ownerID, UIDDomain)
}

// IsKeeperUID reports whether uid carries the reserved domain suffix.
// Providers use this to drop third-party events from listings before
// diffing, so the system only ever deletes events it created.
func IsKeeperUID(uid string) bool {
	return strings.HasSuffix(uid, "@"+UIDDomain)
}

// ParseUID extracts the hash and owner ID from a system-owned UID.
// The second return value is false for foreign UIDs.
func ParseUID(uid string) (ParsedUID, bool) {
	if !IsKeeperUID(uid) {
		return ParsedUID{}, false
	}
	local := strings.TrimSuffix(uid, "@"+UIDDomain)
	// The hash is fixed-length hex, so the first separator ends it even
	// when the owner ID itself contains dashes.
	hash, owner, found := strings.Cut(local, "-")
	if !found || len(hash) != hashLen || owner == "" {
		return ParsedUID{}, false
	}
	return ParsedUID{Hash: hash, OwnerID: owner}, true
}
