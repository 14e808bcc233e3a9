// Package torrent models the metainfo held in a .torrent file.
package torrent

import (
	"crypto/sha1"
	"fmt"
	"path"

	"riptide/bencode"
)

const hashLen = 20

// MetadataError reports a structurally invalid metainfo file.
type MetadataError struct {
	Msg string
}

func (e *MetadataError) Error() string {
	return "torrent: " + e.Msg
}

func metadataErrorf(format string, args ...interface{}) error {
	return &MetadataError{Msg: fmt.Sprintf(format, args...)}
}

// FileEntry is one file of a multi-file torrent. Path is relative,
// built from the metainfo path segments.
type FileEntry struct {
	Path   string
	Length int64
	MD5Sum string
}

// Metadata is the parsed, read-only view of a metainfo file. Exactly
// one of Length (single-file) or Files (multi-file) is set.
type Metadata struct {
	Announce     string
	AnnounceList [][]string // announce tiers, tried in order
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string

	Name        string
	PieceLength int64
	PieceHashes [][hashLen]byte
	Private     bool
	Length      int64
	MD5Sum      string
	Files       []FileEntry

	// InfoHash is the SHA-1 of the raw bytes the info dictionary
	// occupied in the source file, computed once at load time.
	InfoHash [hashLen]byte
}

// Load parses a metainfo file. Any structural problem rejects the
// whole file; no partial metadata is produced.
func Load(data []byte) (*Metadata, error) {
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("torrent: %w", err)
	}
	dict, ok := top.Dict()
	if !ok {
		return nil, metadataErrorf("top-level value is not a dictionary")
	}

	m := &Metadata{}

	announce, ok := dict["announce"]
	if !ok {
		return nil, metadataErrorf("missing announce URL")
	}
	if b, ok := announce.Bytes(); ok && len(b) > 0 {
		m.Announce = string(b)
	} else {
		return nil, metadataErrorf("announce is not a non-empty string")
	}

	if tiers, ok := dict["announce-list"]; ok {
		m.AnnounceList, err = parseAnnounceList(tiers)
		if err != nil {
			return nil, err
		}
	}
	if v, ok := dict["creation date"]; ok {
		m.CreationDate, _ = v.Integer()
	}
	if v, ok := dict["comment"]; ok {
		if b, ok := v.Bytes(); ok {
			m.Comment = string(b)
		}
	}
	if v, ok := dict["created by"]; ok {
		if b, ok := v.Bytes(); ok {
			m.CreatedBy = string(b)
		}
	}
	if v, ok := dict["encoding"]; ok {
		if b, ok := v.Bytes(); ok {
			m.Encoding = string(b)
		}
	}

	info, ok := dict["info"]
	if !ok {
		return nil, metadataErrorf("missing info dictionary")
	}
	if err := m.parseInfo(info); err != nil {
		return nil, err
	}

	// The hash covers the exact source bytes, not a re-encoding, so
	// non-canonical files keep the hash their tracker and peers use.
	m.InfoHash = sha1.Sum(info.Raw())

	want := (m.TotalSize() + m.PieceLength - 1) / m.PieceLength
	if int64(len(m.PieceHashes)) != want {
		return nil, metadataErrorf("have %d piece hashes for %d pieces of content", len(m.PieceHashes), want)
	}

	return m, nil
}

func parseAnnounceList(v bencode.Value) ([][]string, error) {
	tiersVal, ok := v.List()
	if !ok {
		return nil, metadataErrorf("announce-list is not a list")
	}
	tiers := make([][]string, 0, len(tiersVal))
	for _, tierVal := range tiersVal {
		urls, ok := tierVal.List()
		if !ok {
			return nil, metadataErrorf("announce-list tier is not a list")
		}
		tier := make([]string, 0, len(urls))
		for _, u := range urls {
			b, ok := u.Bytes()
			if !ok {
				return nil, metadataErrorf("announce-list URL is not a string")
			}
			tier = append(tier, string(b))
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

func (m *Metadata) parseInfo(info bencode.Value) error {
	dict, ok := info.Dict()
	if !ok {
		return metadataErrorf("info is not a dictionary")
	}

	name, ok := dict["name"]
	if !ok {
		return metadataErrorf("info has no name")
	}
	if b, ok := name.Bytes(); ok {
		m.Name = string(b)
	} else {
		return metadataErrorf("info name is not a string")
	}

	pieceLen, ok := dict["piece length"]
	if !ok {
		return metadataErrorf("info has no piece length")
	}
	if n, ok := pieceLen.Integer(); ok && n > 0 {
		m.PieceLength = n
	} else {
		return metadataErrorf("piece length must be a positive integer")
	}

	pieces, ok := dict["pieces"]
	if !ok {
		return metadataErrorf("info has no pieces")
	}
	raw, ok := pieces.Bytes()
	if !ok {
		return metadataErrorf("pieces is not a string")
	}
	if len(raw)%hashLen != 0 {
		return metadataErrorf("pieces length %d is not a multiple of %d", len(raw), hashLen)
	}
	m.PieceHashes = make([][hashLen]byte, len(raw)/hashLen)
	for i := range m.PieceHashes {
		copy(m.PieceHashes[i][:], raw[i*hashLen:(i+1)*hashLen])
	}

	if v, ok := dict["private"]; ok {
		n, _ := v.Integer()
		m.Private = n != 0
	}

	length, haveLength := dict["length"]
	files, haveFiles := dict["files"]
	switch {
	case haveLength && haveFiles:
		return metadataErrorf("info has both length and files")
	case !haveLength && !haveFiles:
		return metadataErrorf("info has neither length nor files")
	case haveLength:
		n, ok := length.Integer()
		if !ok {
			return metadataErrorf("length is not an integer")
		}
		m.Length = n
		if v, ok := dict["md5sum"]; ok {
			if b, ok := v.Bytes(); ok {
				m.MD5Sum = string(b)
			}
		}
	default:
		entries, ok := files.List()
		if !ok {
			return metadataErrorf("files is not a list")
		}
		if len(entries) == 0 {
			return metadataErrorf("files list is empty")
		}
		m.Files = make([]FileEntry, 0, len(entries))
		for _, entry := range entries {
			fe, err := parseFileEntry(entry)
			if err != nil {
				return err
			}
			m.Files = append(m.Files, fe)
		}
	}

	return nil
}

func parseFileEntry(v bencode.Value) (FileEntry, error) {
	dict, ok := v.Dict()
	if !ok {
		return FileEntry{}, metadataErrorf("file entry is not a dictionary")
	}
	length, ok := dict["length"]
	if !ok {
		return FileEntry{}, metadataErrorf("file entry has no length")
	}
	n, ok := length.Integer()
	if !ok {
		return FileEntry{}, metadataErrorf("file length is not an integer")
	}
	pathVal, ok := dict["path"]
	if !ok {
		return FileEntry{}, metadataErrorf("file entry has no path")
	}
	segVals, ok := pathVal.List()
	if !ok || len(segVals) == 0 {
		return FileEntry{}, metadataErrorf("file path is not a non-empty list")
	}
	segments := make([]string, 0, len(segVals))
	for _, s := range segVals {
		b, ok := s.Bytes()
		if !ok {
			return FileEntry{}, metadataErrorf("file path segment is not a string")
		}
		segments = append(segments, string(b))
	}
	fe := FileEntry{Path: path.Join(segments...), Length: n}
	if v, ok := dict["md5sum"]; ok {
		if b, ok := v.Bytes(); ok {
			fe.MD5Sum = string(b)
		}
	}
	return fe, nil
}

// TotalSize is the content size in bytes across all files.
func (m *Metadata) TotalSize() int64 {
	if m.Files == nil {
		return m.Length
	}
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

// FileList returns the relative paths of the content files in
// metainfo order.
func (m *Metadata) FileList() []string {
	if m.Files == nil {
		return []string{m.Name}
	}
	paths := make([]string, len(m.Files))
	for i, f := range m.Files {
		paths[i] = f.Path
	}
	return paths
}

// NumPieces is the number of content pieces.
func (m *Metadata) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceSize returns the content length of the given piece. Only the
// last piece may be shorter than PieceLength.
func (m *Metadata) PieceSize(index int) int64 {
	begin := int64(index) * m.PieceLength
	end := begin + m.PieceLength
	if total := m.TotalSize(); end > total {
		end = total
	}
	return end - begin
}

// Tiers returns the announce tiers to try in order. A torrent without
// an announce-list gets a single tier holding the announce URL.
func (m *Metadata) Tiers() [][]string {
	if len(m.AnnounceList) == 0 {
		return [][]string{{m.Announce}}
	}
	return m.AnnounceList
}
