// Package segment reads and writes immutable segment files. A segment holds
// a doc table, a (field, term) sorted dictionary and one postings blob per
// dictionary entry, protected by an xxhash64 checksum of everything after
// the header.
package segment

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
)

const (
	MagicBytes    uint32 = 0x53534547
	FormatVersion uint32 = 1
	HeaderSize    int    = 64
	Extension            = ".sseg"
)

// Header is the fixed 64-byte preamble of a segment file. The body sections
// follow it back to back: doc table, postings, dictionary.
type Header struct {
	Magic     uint32
	Version   uint32
	DocCount  uint32
	TermCount uint32
	CreatedAt int64
	DocsSize  int64
	PostSize  int64
	DictSize  int64
	Checksum  uint64
	SegmentID uint64
}

func (h Header) docsOffset() int64 { return int64(HeaderSize) }
func (h Header) postOffset() int64 { return h.docsOffset() + h.DocsSize }
func (h Header) dictOffset() int64 { return h.postOffset() + h.PostSize }
func (h Header) bodySize() int64   { return h.DocsSize + h.PostSize + h.DictSize }

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.DocCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.TermCount)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.DocsSize))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.PostSize))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.DictSize))
	binary.LittleEndian.PutUint64(buf[48:56], h.Checksum)
	binary.LittleEndian.PutUint64(buf[56:64], h.SegmentID)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:     binary.LittleEndian.Uint32(buf[0:4]),
		Version:   binary.LittleEndian.Uint32(buf[4:8]),
		DocCount:  binary.LittleEndian.Uint32(buf[8:12]),
		TermCount: binary.LittleEndian.Uint32(buf[12:16]),
		CreatedAt: int64(binary.LittleEndian.Uint64(buf[16:24])),
		DocsSize:  int64(binary.LittleEndian.Uint64(buf[24:32])),
		PostSize:  int64(binary.LittleEndian.Uint64(buf[32:40])),
		DictSize:  int64(binary.LittleEndian.Uint64(buf[40:48])),
		Checksum:  binary.LittleEndian.Uint64(buf[48:56]),
		SegmentID: binary.LittleEndian.Uint64(buf[56:64]),
	}
}

// DictEntry locates one term's postings inside the postings section.
type DictEntry struct {
	Field      index.Field `json:"f"`
	Term       string      `json:"t"`
	PostOffset int64       `json:"o"`
	PostLen    int         `json:"l"`
	DocFreq    int         `json:"d"`
}

// FileName returns the on-disk name of segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("seg-%d%s", id, Extension)
}

// Writer serialises documents and term entries into new segment files.
type Writer struct {
	dataDir string
}

func NewWriter(dataDir string) *Writer {
	return &Writer{dataDir: dataDir}
}

// Write creates segment id from docs (sorted by id) and entries (sorted by
// field, then term). The file is written to a .tmp sibling, fsynced and
// renamed; the directory is fsynced before Write returns. It returns the
// final path and the file size.
func (w *Writer) Write(id uint64, docs []*index.Document, entries []index.TermEntry) (string, int64, error) {
	if len(docs) == 0 {
		return "", 0, errors.New("cannot write empty segment")
	}
	finalPath := filepath.Join(w.dataDir, FileName(id))
	tmpPath := finalPath + ".tmp"

	docsData, err := json.Marshal(docs)
	if err != nil {
		return "", 0, fmt.Errorf("marshaling doc table: %w", err)
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("creating temp segment file: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	header := Header{
		Magic:     MagicBytes,
		Version:   FormatVersion,
		DocCount:  uint32(len(docs)),
		TermCount: uint32(len(entries)),
		CreatedAt: time.Now().Unix(),
		SegmentID: id,
		DocsSize:  int64(len(docsData)),
	}
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		return "", 0, fmt.Errorf("reserving header: %w", err)
	}

	digest := xxhash.New()
	bw := bufio.NewWriter(f)
	body := func(p []byte) error {
		digest.Write(p)
		_, err := bw.Write(p)
		return err
	}

	if err := body(docsData); err != nil {
		return "", 0, fmt.Errorf("writing doc table: %w", err)
	}
	dict := make([]DictEntry, 0, len(entries))
	var postOffset int64
	for _, entry := range entries {
		postingsData, err := json.Marshal(entry.Postings)
		if err != nil {
			return "", 0, fmt.Errorf("marshaling postings for term %q: %w", entry.Term, err)
		}
		if err := body(postingsData); err != nil {
			return "", 0, fmt.Errorf("writing postings for term %q: %w", entry.Term, err)
		}
		dict = append(dict, DictEntry{
			Field:      entry.Field,
			Term:       entry.Term,
			PostOffset: postOffset,
			PostLen:    len(postingsData),
			DocFreq:    len(entry.Postings),
		})
		postOffset += int64(len(postingsData))
	}
	header.PostSize = postOffset

	dictData, err := json.Marshal(dict)
	if err != nil {
		return "", 0, fmt.Errorf("marshaling dictionary: %w", err)
	}
	if err := body(dictData); err != nil {
		return "", 0, fmt.Errorf("writing dictionary: %w", err)
	}
	header.DictSize = int64(len(dictData))
	header.Checksum = digest.Sum64()

	if err := bw.Flush(); err != nil {
		return "", 0, fmt.Errorf("flushing segment body: %w", err)
	}
	if _, err := f.WriteAt(header.encode(), 0); err != nil {
		return "", 0, fmt.Errorf("writing header: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("syncing segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("closing segment file: %w", err)
	}
	f = nil
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("renaming segment file: %w", err)
	}
	if err := SyncDir(w.dataDir); err != nil {
		return "", 0, err
	}
	return finalPath, int64(HeaderSize) + header.bodySize(), nil
}

// SyncDir fsyncs a directory so that renames inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}
