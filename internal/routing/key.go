// Package routing maps stream tags to canonical routing keys.
package routing

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates addressable target kinds.
type Kind string

const (
	// KindUser addresses a single user.
	KindUser Kind = "user"
	// KindConference addresses every member of a conference.
	KindConference Kind = "conference"
	// KindFeed addresses a one-way broadcast source.
	KindFeed Kind = "feed"
)

const (
	prefixUser       = "user-"
	prefixConference = "conf-"
	prefixFeed       = "feed-"
)

var (
	// ErrUnknownKind indicates a tag or key carried a kind with no handler.
	ErrUnknownKind = errors.New("routing: unknown target kind")
	// ErrEmptyTag indicates a tag without any identifier.
	ErrEmptyTag = errors.New("routing: empty tag")
	// ErrUntagged indicates a raw identifier was supplied where an explicit kind is required.
	ErrUntagged = errors.New("routing: identifier carries no kind")
)

// ParseKind normalizes the kind spellings used by clients and storage.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "user":
		return KindUser, nil
	case "conference", "conf":
		return KindConference, nil
	case "feed":
		return KindFeed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
	}
}

func (k Kind) prefix() string {
	switch k {
	case KindUser:
		return prefixUser
	case KindConference:
		return prefixConference
	case KindFeed:
		return prefixFeed
	default:
		return ""
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k.prefix() != ""
}

// Key identifies an addressable target. The zero Key is invalid.
type Key struct {
	Kind Kind
	ID   string
}

// NewKey builds a key, rejecting unknown kinds and empty ids.
func NewKey(kind Kind, id string) (Key, error) {
	if !kind.Valid() {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return Key{}, ErrEmptyTag
	}
	return Key{Kind: kind, ID: trimmed}, nil
}

// String serializes the key as "<prefix><id>" for wire and UI use.
func (k Key) String() string {
	return k.Kind.prefix() + k.ID
}

// IsFeed reports whether the key addresses a one-way feed.
func (k Key) IsFeed() bool {
	return k.Kind == KindFeed
}

// IsZero reports whether the key was never set.
func (k Key) IsZero() bool {
	return k.Kind == "" && k.ID == ""
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	if !k.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k.Kind)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and accepts only prefixed keys.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses a serialized key. Identifiers without a known prefix fail with ErrUntagged.
func ParseKey(value string) (Key, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Key{}, ErrEmptyTag
	}
	for _, kind := range []Kind{KindUser, KindConference, KindFeed} {
		if rest, ok := strings.CutPrefix(trimmed, kind.prefix()); ok {
			return NewKey(kind, rest)
		}
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUntagged, trimmed)
}

// Tag is the routing metadata attached to a stream: either an explicit {Kind, ID}
// pair or only a raw peer identifier.
type Tag struct {
	Kind string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
	Raw  string `json:"peer_id,omitempty"`
}

// Resolve maps a tag to its canonical key. Explicitly tagged streams resolve by kind.
// Untagged raw identifiers go through ResolveRaw.
func Resolve(tag Tag) (Key, error) {
	if strings.TrimSpace(tag.Kind) != "" {
		kind, err := ParseKind(tag.Kind)
		if err != nil {
			return Key{}, err
		}
		return NewKey(kind, tag.ID)
	}
	if strings.TrimSpace(tag.ID) != "" {
		return ResolveRaw(tag.ID)
	}
	return ResolveRaw(tag.Raw)
}

// ResolveStrict is Resolve without the raw-identifier heuristic.
func ResolveStrict(tag Tag) (Key, error) {
	if strings.TrimSpace(tag.Kind) == "" {
		if key, err := ParseKey(tag.ID); err == nil {
			return key, nil
		}
		if key, err := ParseKey(tag.Raw); err == nil {
			return key, nil
		}
		return Key{}, ErrUntagged
	}
	return Resolve(tag)
}

// ResolveRaw canonicalizes a raw identifier. Prefixed identifiers are returned unchanged,
// purely numeric ones are treated as conference ids and anything else as a user
// connection id. A numeric user id is therefore misread as a conference.
func ResolveRaw(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Key{}, ErrEmptyTag
	}
	if key, err := ParseKey(trimmed); err == nil {
		return key, nil
	}
	if isNumeric(trimmed) {
		return Key{Kind: KindConference, ID: trimmed}, nil
	}
	return Key{Kind: KindUser, ID: trimmed}, nil
}

func isNumeric(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}

// TagFor builds the explicit tag that resolves back to key.
func TagFor(key Key) Tag {
	return Tag{Kind: string(key.Kind), ID: key.ID}
}
