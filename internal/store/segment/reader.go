package segment

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
)

// Reader gives read access to one segment file. The doc table and
// dictionary are held in memory; postings are read on demand.
type Reader struct {
	file     *os.File
	filePath string
	header   Header
	docs     []*index.Document
	dict     []DictEntry
	fields   [index.NumFields][]DictEntry
	lenSums  [index.NumFields]int64
	size     int64
}

// OpenReader opens and verifies a segment. Any structural problem or
// checksum mismatch is reported as apperrors.ErrCorruptSegment.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	r, err := load(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func corrupt(path, format string, args ...any) error {
	return apperrors.New(apperrors.KindCorruption, "open segment", path,
		fmt.Errorf("%w: %s", apperrors.ErrCorruptSegment, fmt.Sprintf(format, args...)))
}

func load(f *os.File, path string) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment file: %w", err)
	}
	headerBytes := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, corrupt(path, "short header: %v", err)
	}
	header := decodeHeader(headerBytes)
	if header.Magic != MagicBytes {
		return nil, corrupt(path, "bad magic bytes %x", header.Magic)
	}
	if header.Version != FormatVersion {
		return nil, corrupt(path, "unsupported format version %d", header.Version)
	}
	if header.DocsSize < 0 || header.PostSize < 0 || header.DictSize < 0 ||
		int64(HeaderSize)+header.bodySize() != info.Size() {
		return nil, corrupt(path, "section sizes do not match file size %d", info.Size())
	}

	digest := xxhash.New()
	if _, err := io.Copy(digest, io.NewSectionReader(f, int64(HeaderSize), header.bodySize())); err != nil {
		return nil, fmt.Errorf("hashing segment body: %w", err)
	}
	if sum := digest.Sum64(); sum != header.Checksum {
		return nil, corrupt(path, "checksum %x, header says %x", sum, header.Checksum)
	}

	docsBytes := make([]byte, header.DocsSize)
	if _, err := f.ReadAt(docsBytes, header.docsOffset()); err != nil {
		return nil, fmt.Errorf("reading doc table: %w", err)
	}
	var docs []*index.Document
	if err := json.Unmarshal(docsBytes, &docs); err != nil {
		return nil, corrupt(path, "parsing doc table: %v", err)
	}
	dictBytes := make([]byte, header.DictSize)
	if _, err := f.ReadAt(dictBytes, header.dictOffset()); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	var dict []DictEntry
	if err := json.Unmarshal(dictBytes, &dict); err != nil {
		return nil, corrupt(path, "parsing dictionary: %v", err)
	}

	r := &Reader{
		file:     f,
		filePath: path,
		header:   header,
		docs:     docs,
		dict:     dict,
		size:     info.Size(),
	}
	start := 0
	for fld := index.Field(0); fld < index.NumFields; fld++ {
		end := start + sort.Search(len(dict)-start, func(i int) bool {
			return dict[start+i].Field > fld
		})
		r.fields[fld] = dict[start:end]
		start = end
	}
	for _, d := range docs {
		r.lenSums[index.FieldName] += int64(d.FieldLen(index.FieldName))
		r.lenSums[index.FieldContent] += int64(d.FieldLen(index.FieldContent))
	}
	return r, nil
}

// Postings returns the posting list of an exact term, or nil.
func (r *Reader) Postings(field index.Field, term string) (index.PostingList, error) {
	entries := r.fields[field]
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].Term >= term
	})
	if idx >= len(entries) || entries[idx].Term != term {
		return nil, nil
	}
	return r.readPostings(entries[idx])
}

func (r *Reader) readPostings(entry DictEntry) (index.PostingList, error) {
	postingsBytes := make([]byte, entry.PostLen)
	if _, err := r.file.ReadAt(postingsBytes, r.header.postOffset()+entry.PostOffset); err != nil {
		return nil, fmt.Errorf("reading postings: %w", err)
	}
	var postings index.PostingList
	if err := json.Unmarshal(postingsBytes, &postings); err != nil {
		return nil, fmt.Errorf("parsing postings: %w", err)
	}
	return postings, nil
}

// PrefixTerms returns the dictionary entries of field starting with prefix.
func (r *Reader) PrefixTerms(field index.Field, prefix string) []DictEntry {
	entries := r.fields[field]
	lo := sort.Search(len(entries), func(i int) bool {
		return entries[i].Term >= prefix
	})
	hi := lo
	for hi < len(entries) && strings.HasPrefix(entries[hi].Term, prefix) {
		hi++
	}
	return entries[lo:hi]
}

// Terms returns the whole sorted dictionary of one field. Callers must not
// modify the slice.
func (r *Reader) Terms(field index.Field) []DictEntry {
	return r.fields[field]
}

// Entries loads every dictionary entry with its postings, in file order.
func (r *Reader) Entries() ([]index.TermEntry, error) {
	out := make([]index.TermEntry, 0, len(r.dict))
	for _, e := range r.dict {
		postings, err := r.readPostings(e)
		if err != nil {
			return nil, err
		}
		out = append(out, index.TermEntry{Field: e.Field, Term: e.Term, Postings: postings})
	}
	return out, nil
}

// Docs returns the doc table sorted by id. Callers must not modify it.
func (r *Reader) Docs() []*index.Document {
	return r.docs
}

// Doc looks a document up by id.
func (r *Reader) Doc(id uint64) (*index.Document, bool) {
	i := sort.Search(len(r.docs), func(i int) bool { return r.docs[i].ID >= id })
	if i < len(r.docs) && r.docs[i].ID == id {
		return r.docs[i], true
	}
	return nil, false
}

// FieldLenSum is the total token count of field across all documents.
func (r *Reader) FieldLenSum(field index.Field) int64 {
	return r.lenSums[field]
}

func (r *Reader) ID() uint64 {
	return r.header.SegmentID
}

func (r *Reader) DocCount() int {
	return len(r.docs)
}

func (r *Reader) TermCount() int {
	return len(r.dict)
}

func (r *Reader) Size() int64 {
	return r.size
}

func (r *Reader) Path() string {
	return r.filePath
}

func (r *Reader) Close() error {
	return r.file.Close()
}
