// Package ulid provides a type-safe wrapper around github.com/oklog/ulid/v2
// with database/json integration and the ID prefixes used across the
// application.
//
// ULIDs are lexicographically sortable by time, which makes them good
// primary keys for the event and destination tables.
package ulid

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes, one per entity kind, so a raw ID in a log line is
// self-describing.
const (
	PrefixUser        = "usr"
	PrefixSource      = "src"
	PrefixDestination = "dst"
	PrefixEvent       = "evt"
	PrefixConn        = "conn"

	PrefixSeparator = "-"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// ULID pairs an oklog ULID with an optional entity prefix. The zero value
// is usable and reports IsZero.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate returns a new unprefixed ULID stamped with the current time.
func Generate() ULID {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return ULID{ULID: id}
}

// GenerateWithPrefix returns a new ULID carrying one of the Prefix*
// constants (or any caller-chosen tag).
func GenerateWithPrefix(prefix string) ULID {
	id := Generate()
	id.prefix = prefix
	return id
}

// Parse accepts both plain ULIDs and prefixed ones such as
// "dst-01AN4Z07BY79KA1307SR9X4MV3".
func Parse(id string) (ULID, error) {
	prefix, raw, found := strings.Cut(id, PrefixSeparator)
	if !found {
		prefix, raw = "", id
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return ULID{}, err
	}
	return ULID{ULID: parsed, prefix: prefix}, nil
}

// Validate reports whether id parses as a plain or prefixed ULID.
func Validate(id string) bool {
	_, err := Parse(id)
	return err == nil
}

// IsZero reports whether the ULID is the zero value.
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// Prefix returns the entity prefix, empty for plain ULIDs.
func (u ULID) Prefix() string {
	return u.prefix
}

// String renders "prefix-ulid", or just the ULID when unprefixed.
func (u ULID) String() string {
	if u.prefix == "" {
		return u.ULID.String()
	}
	return u.prefix + PrefixSeparator + u.ULID.String()
}

// Time returns the timestamp component.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// MarshalJSON renders the ULID as its string form.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON parses a string-form ULID, prefixed or not.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value stores the ULID as its string form.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan accepts string, []byte or NULL columns.
func (u *ULID) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported type for ULID scan: %T", src)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
