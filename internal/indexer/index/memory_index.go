package index

import (
	"sort"
	"sync"
)

// MemoryIndex is the mutable active segment. Documents accumulate here until
// the indexer flushes them into an immutable segment.
type MemoryIndex struct {
	mu    sync.RWMutex
	docs  map[uint64]*Document
	index [NumFields]map[string]map[uint64]*Posting
	size  int64
}

func NewMemoryIndex() *MemoryIndex {
	m := &MemoryIndex{}
	m.reset()
	return m
}

// AddDocument indexes doc under both fields. Re-adding an id replaces it.
func (m *MemoryIndex) AddDocument(doc *Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		m.removeLocked(doc.ID)
	}
	m.docs[doc.ID] = doc
	m.size += docCost(doc)
	m.addField(FieldName, doc.ID, doc.NameTokens)
	m.addField(FieldContent, doc.ID, doc.ContentTokens)
}

func (m *MemoryIndex) addField(f Field, docID uint64, tokens []string) {
	for term, posting := range postingsFor(docID, tokens) {
		byDoc, exists := m.index[f][term]
		if !exists {
			byDoc = make(map[uint64]*Posting)
			m.index[f][term] = byDoc
		}
		byDoc[docID] = posting
		m.size += postingCost(term, posting)
	}
}

// docCost and postingCost estimate the bytes a document and one of its
// postings add to the flushed segment.
func docCost(doc *Document) int64 {
	return int64(len(doc.Path) + 96)
}

func postingCost(term string, p *Posting) int64 {
	return int64(len(term) + len(p.Positions)*8 + 48)
}

// Remove drops a document that has not been flushed yet. It reports whether
// the id was present.
func (m *MemoryIndex) Remove(docID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(docID)
}

func (m *MemoryIndex) removeLocked(docID uint64) bool {
	doc, ok := m.docs[docID]
	if !ok {
		return false
	}
	for f, tokens := range [NumFields][]string{doc.NameTokens, doc.ContentTokens} {
		for _, term := range tokens {
			posting, ok := m.index[f][term][docID]
			if !ok {
				continue
			}
			byDoc := m.index[f][term]
			m.size -= postingCost(term, posting)
			delete(byDoc, docID)
			if len(byDoc) == 0 {
				delete(m.index[f], term)
			}
		}
	}
	delete(m.docs, docID)
	m.size -= docCost(doc)
	return true
}

// Document returns an unflushed document by id.
func (m *MemoryIndex) Document(docID uint64) (*Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[docID]
	return doc, ok
}

// Search returns the postings of an exact term, sorted by doc id.
func (m *MemoryIndex) Search(f Field, term string) PostingList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byDoc, exists := m.index[f][term]
	if !exists {
		return nil
	}
	return sortedPostings(byDoc)
}

// Snapshot returns the documents sorted by id and the dictionary sorted by
// (field, term), the order segment files are written in.
func (m *MemoryIndex) Snapshot() ([]*Document, []TermEntry) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]*Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	entries := make([]TermEntry, 0)
	for f := Field(0); f < NumFields; f++ {
		start := len(entries)
		for term, byDoc := range m.index[f] {
			entries = append(entries, TermEntry{Field: f, Term: term, Postings: sortedPostings(byDoc)})
		}
		fieldEntries := entries[start:]
		sort.Slice(fieldEntries, func(i, j int) bool { return fieldEntries[i].Term < fieldEntries[j].Term })
	}
	return docs, entries
}

func sortedPostings(byDoc map[uint64]*Posting) PostingList {
	result := make(PostingList, 0, len(byDoc))
	for _, posting := range byDoc {
		result = append(result, *posting)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result
}

func (m *MemoryIndex) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryIndex) DocCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *MemoryIndex) reset() {
	m.docs = make(map[uint64]*Document)
	for f := range m.index {
		m.index[f] = make(map[string]map[uint64]*Posting)
	}
	m.size = 0
}
