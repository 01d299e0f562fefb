package book

import (
	"fmt"
	"strconv"
)

// Kind is the category of a cacheable book.
type Kind string

const (
	KindEbook    Kind = "ebook"
	KindMagazine Kind = "magazine"
)

// ParseKind validates a kind string coming from an API path or a directory name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindEbook, KindMagazine:
		return Kind(s), nil
	}

	return "", fmt.Errorf("unknown book kind: %q", s)
}

// Key uniquely identifies a cacheable book. Immutable once created.
type Key struct {
	Kind Kind
	ID   int64
}

func NewKey(kind Kind, id int64) Key {
	return Key{Kind: kind, ID: id}
}

func (k Key) String() string {
	return string(k.Kind) + "/" + strconv.FormatInt(k.ID, 10)
}

// Meta carries the non-identifying metadata attached to a download request.
// None of these fields participate in key identity; in particular a changed
// source URL never restarts an in-flight transfer for the same key.
type Meta struct {
	Title    string
	CoverURL string
	Checksum string // optional SHA-256 hex of the expected content
}
