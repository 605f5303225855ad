package receive

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// KeyKind tells whether a [Key] names a resolved participant or a bare SSRC.
type KeyKind uint8

const (
	// KindUser identifies a participant by stable user ID.
	KindUser KeyKind = iota

	// KindUnknown identifies an audio source whose SSRC has not been
	// associated with a participant yet.
	KindUnknown
)

// String returns the prefix used by [Key.String].
func (k KeyKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindUnknown:
		return "ssrc"
	default:
		return "invalid"
	}
}

// Key is the identity an audio source resolves to within a tick: either a
// participant (User) or, when the SSRC is not mapped, the raw SSRC (Unknown).
//
// Keys are comparable and can be used as map keys. Two keys are equal iff
// they have the same kind and the same payload.
type Key struct {
	kind KeyKind
	id   uint64
}

// UserKey returns the key for a resolved participant.
func UserKey(userID uint64) Key { return Key{kind: KindUser, id: userID} }

// UnknownKey returns the key for an SSRC with no known participant.
func UnknownKey(ssrc uint32) Key { return Key{kind: KindUnknown, id: uint64(ssrc)} }

// Kind reports the variant of k.
func (k Key) Kind() KeyKind { return k.kind }

// UserID returns the participant ID if k is a User key.
func (k Key) UserID() (uint64, bool) {
	if k.kind != KindUser {
		return 0, false
	}
	return k.id, true
}

// SSRC returns the source ID if k is an Unknown key.
func (k Key) SSRC() (uint32, bool) {
	if k.kind != KindUnknown {
		return 0, false
	}
	return uint32(k.id), true
}

// String formats k as "user:<id>" or "ssrc:<ssrc>".
func (k Key) String() string {
	return k.kind.String() + ":" + strconv.FormatUint(k.id, 10)
}

// ParseKey parses the output of [Key.String].
func ParseKey(s string) (Key, error) {
	prefix, val, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Key{}, fmt.Errorf("receive: parse key %q: missing ':'", s)
	}
	switch prefix {
	case "user":
		id, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("receive: parse key %q: %w", s, err)
		}
		return UserKey(id), nil
	case "ssrc":
		ssrc, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return Key{}, fmt.Errorf("receive: parse key %q: %w", s, err)
		}
		return UnknownKey(uint32(ssrc)), nil
	default:
		return Key{}, fmt.Errorf("receive: parse key %q: unknown kind %q", s, prefix)
	}
}

// Compare orders keys by kind (User before Unknown) and then by value.
func Compare(a, b Key) int {
	if c := cmp.Compare(a.kind, b.kind); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// SortKeys sorts keys in place using [Compare].
func SortKeys(keys []Key) { slices.SortFunc(keys, Compare) }
