package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryIndexer is a mutex-guarded in-process index. It serves dev mode and
// single-node deployments; larger installations point DocumentIndexer at an
// external engine.
type MemoryIndexer struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryIndexer creates an empty index.
func NewMemoryIndexer() *MemoryIndexer {
	return &MemoryIndexer{docs: make(map[string]*Document)}
}

func (m *MemoryIndexer) Index(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *MemoryIndexer) Remove(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

// Search returns documents whose fields contain the query, case
// insensitively, ordered by document id for stable paging.
func (m *MemoryIndexer) Search(ctx context.Context, query string, kinds ...SourceKind) []*Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[SourceKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	needle := strings.ToLower(query)

	var out []*Document
	for _, doc := range m.docs {
		if len(kinds) > 0 && !wanted[doc.Kind] {
			continue
		}
		for _, v := range doc.Fields {
			if strings.Contains(strings.ToLower(v), needle) {
				cp := *doc
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports how many documents are indexed.
func (m *MemoryIndexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
