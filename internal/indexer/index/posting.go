package index

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/tokenizer"
)

// Field scopes a term to the part of the document it came from.
type Field uint8

const (
	FieldName Field = iota
	FieldContent
	NumFields
)

func (f Field) String() string {
	if f == FieldName {
		return "name"
	}
	return "content"
}

// Posting records one document's occurrences of a term.
type Posting struct {
	DocID     uint64 `json:"d"`
	Frequency int    `json:"f"`
	Positions []int  `json:"p,omitempty"`
}

// PostingList is sorted by DocID ascending.
type PostingList []Posting

// TermEntry is one dictionary row of a segment.
type TermEntry struct {
	Field    Field
	Term     string
	Postings PostingList
}

// Document is the indexed form of one file.
type Document struct {
	ID            uint64             `json:"id"`
	Path          string             `json:"path"`
	NameTokens    []string           `json:"name"`
	ContentTokens []string           `json:"-"`
	ContentLen    int                `json:"clen"`
	Category      tokenizer.Category `json:"cat"`
	Size          int64              `json:"size"`
	ModTime       int64              `json:"mtime"`
	Inode         uint64             `json:"ino,omitempty"`
	IndexedAt     int64              `json:"at"`
}

// FieldLen is the token count of a field, used for length normalisation.
func (d *Document) FieldLen(f Field) int {
	if f == FieldName {
		return len(d.NameTokens)
	}
	return d.ContentLen
}

// Modified returns the file modification time.
func (d *Document) Modified() time.Time {
	return time.Unix(0, d.ModTime)
}

// postingsFor groups tokens into one posting per distinct term.
func postingsFor(docID uint64, tokens []string) map[string]*Posting {
	out := make(map[string]*Posting, len(tokens))
	for pos, term := range tokens {
		p, ok := out[term]
		if !ok {
			p = &Posting{DocID: docID, Positions: make([]int, 0, 2)}
			out[term] = p
		}
		p.Frequency++
		p.Positions = append(p.Positions, pos)
	}
	return out
}
