package manifest

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/pocketrag/internal/binenc"
	"github.com/hupe1980/pocketrag/internal/hash"
	"github.com/hupe1980/pocketrag/model"
)

const (
	binaryMagic   = "PRMF"
	binaryVersion = 1
	headerSize    = 16
)

// MarshalBinary encodes the manifest.
//
// Format:
//
//	Magic "PRMF" | Version uint32 | CRC32C(payload) uint32 | PayloadLen uint32
//	Payload:
//	  ID, CreatedAt (UnixNano), ModelVersion, Dim, NextSegmentID, NumSegments
//	  Segments...
//	    ID, RowCount, Size, ResidentBytes
//	    NumCategories, Categories...
//	    Tombstones (roaring, empty = none)
//	    NumDocs, (Doc, Rows roaring)...   sorted by Doc
func (m *Manifest) MarshalBinary() ([]byte, error) {
	w := binenc.NewWriter(make([]byte, 0, 256+len(m.Segments)*128))

	w.Uint64(m.ID)
	w.Uint64(uint64(m.CreatedAt.UnixNano()))
	w.String(m.ModelVersion)
	w.Uint32(uint32(m.Dim))
	w.Uint64(uint64(m.NextSegmentID))
	w.Uint32(uint32(len(m.Segments)))

	for i := range m.Segments {
		s := &m.Segments[i]
		w.Uint64(uint64(s.ID))
		w.Uint32(s.RowCount)
		w.Uint64(uint64(s.Size))
		w.Uint64(uint64(s.ResidentBytes))

		w.Uint32(uint32(len(s.Categories)))
		for _, c := range s.Categories {
			w.String(c)
		}

		tomb, err := bitmapBytes(s.Tombstones)
		if err != nil {
			return nil, err
		}
		w.Blob(tomb)

		docs := make([]string, 0, len(s.Docs))
		for d := range s.Docs {
			docs = append(docs, d)
		}
		slices.Sort(docs)
		w.Uint32(uint32(len(docs)))
		for _, d := range docs {
			rows, err := bitmapBytes(s.Docs[d])
			if err != nil {
				return nil, err
			}
			w.String(d)
			w.Blob(rows)
		}
	}
	if err := w.Err(); err != nil {
		return nil, err
	}

	payload := w.Bytes()
	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(out[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(out[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(payload)))
	return append(out, payload...), nil
}

func bitmapBytes(bm *roaring.Bitmap) ([]byte, error) {
	if bm == nil || bm.IsEmpty() {
		return nil, nil
	}
	return bm.ToBytes()
}

func readBitmap(b []byte) (*roaring.Bitmap, error) {
	if len(b) == 0 {
		return nil, nil
	}
	bm := roaring.New()
	if _, err := bm.FromBuffer(b); err != nil {
		return nil, err
	}
	// FromBuffer aliases b; detach from the blob's memory.
	return bm.Clone(), nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Unmarshal decodes a manifest written by MarshalBinary.
func Unmarshal(data []byte) (*Manifest, error) {
	if len(data) < headerSize {
		return nil, corrupt("short header")
	}
	if string(data[0:4]) != binaryMagic {
		return nil, corrupt("invalid magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != binaryVersion {
		return nil, corrupt("unsupported version: %d", v)
	}
	checksum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])
	payload := data[headerSize:]
	if uint32(len(payload)) != length {
		return nil, corrupt("payload length %d, header says %d", len(payload), length)
	}
	if err := hash.Verify(checksum, payload); err != nil {
		return nil, corrupt("%v", err)
	}

	r := binenc.NewReader(payload)
	m := &Manifest{}
	m.ID = r.Uint64()
	m.CreatedAt = time.Unix(0, int64(r.Uint64()))
	m.ModelVersion = r.String()
	m.Dim = int(r.Uint32())
	m.NextSegmentID = model.SegmentID(r.Uint64())

	n := int(r.Uint32())
	if n > r.Remaining() {
		return nil, corrupt("segment count %d exceeds payload", n)
	}
	m.Segments = make([]SegmentInfo, n)
	for i := range m.Segments {
		s := &m.Segments[i]
		s.ID = model.SegmentID(r.Uint64())
		s.RowCount = r.Uint32()
		s.Size = int64(r.Uint64())
		s.ResidentBytes = int64(r.Uint64())

		nc := int(r.Uint32())
		if nc > r.Remaining() {
			return nil, corrupt("segment %s: category count %d", s.ID, nc)
		}
		for j := 0; j < nc; j++ {
			s.Categories = append(s.Categories, r.String())
		}

		var err error
		if s.Tombstones, err = readBitmap(r.Blob()); err != nil {
			return nil, corrupt("segment %s tombstones: %v", s.ID, err)
		}

		nd := int(r.Uint32())
		if nd > r.Remaining() {
			return nil, corrupt("segment %s: doc count %d", s.ID, nd)
		}
		s.Docs = make(map[string]*roaring.Bitmap, nd)
		for j := 0; j < nd; j++ {
			doc := r.String()
			rows, err := readBitmap(r.Blob())
			if err != nil {
				return nil, corrupt("segment %s doc %q: %v", s.ID, doc, err)
			}
			if rows == nil {
				rows = roaring.New()
			}
			s.Docs[doc] = rows
		}
		if r.Err() != nil {
			return nil, corrupt("segment %d: %v", i, r.Err())
		}
	}
	if r.Err() != nil {
		return nil, corrupt("%v", r.Err())
	}
	return m, nil
}
