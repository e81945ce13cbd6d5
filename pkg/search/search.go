// Package search keeps the portal's search index in step with the
// management stores. Writes dispatch index maintenance both locally (this
// node's index, asynchronously) and remotely (a command on the bus so peer
// nodes and the dedicated indexer refresh theirs).
//
// Index maintenance is strictly best effort: a broken index degrades search
// results, it must never fail the write that triggered it.
package search

import (
	"context"
	"fmt"
)

// SourceKind identifies which store a document originates from. The set is
// closed: handlers switch on it instead of reflecting on payload types.
type SourceKind string

const (
	KindApi  SourceKind = "api"
	KindPage SourceKind = "page"
	KindUser SourceKind = "user"
)

// ParseSourceKind validates a kind received off the wire.
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case KindApi, KindPage, KindUser:
		return SourceKind(s), nil
	default:
		return "", fmt.Errorf("unknown source kind %q", s)
	}
}

// Source names one indexable entity.
type Source struct {
	Kind SourceKind
	ID   string
}

// DocID is the index key for the source, unique across kinds.
func (s Source) DocID() string {
	return string(s.Kind) + ":" + s.ID
}

// Document is the flattened, searchable projection of an entity.
type Document struct {
	ID     string            `json:"id"`
	Kind   SourceKind        `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// Transformer projects one kind of entity into a document.
type Transformer interface {
	Handles(kind SourceKind) bool
	Transform(entity interface{}) (*Document, error)
}

// DocumentIndexer is the local index backend.
type DocumentIndexer interface {
	Index(ctx context.Context, doc *Document) error
	Remove(ctx context.Context, docID string) error
}

// Loader fetches the current entity for a source so a remote node can
// rebuild the document from its own store instead of trusting a payload
// shipped over the bus.
type Loader func(ctx context.Context, id string) (interface{}, error)
