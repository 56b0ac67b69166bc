package segment

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hupe1980/pocketrag/internal/binenc"
	"github.com/hupe1980/pocketrag/internal/hash"
	"github.com/hupe1980/pocketrag/model"
)

const (
	magic         = "PRSG"
	formatVersion = 1
	HeaderSize    = 24
)

// Encode serializes s with the given body compression.
func Encode(s *Segment, c Compression) ([]byte, error) {
	// Rough estimate: fixed fields + vector + text.
	est := 64 + len(s.modelVersion)
	for i := range s.records {
		est += 64 + 4*s.dim + len(s.records[i].Text) + len(s.records[i].ID)
	}
	w := binenc.NewWriter(make([]byte, 0, est))

	w.Uint64(uint64(s.id))
	w.String(s.modelVersion)
	for i := range s.records {
		r := &s.records[i]
		w.String(r.ID)
		w.String(r.SourceDocumentID)
		w.Uint32(uint32(r.ChunkIndex))
		w.Blob([]byte(r.Text))
		w.String(r.Category)
		w.Uint64(unixNano(r.CreatedAt))
		w.Uint32(uint32(r.StartOffset))
		w.Uint32(uint32(r.EndOffset))
		w.Float32s(r.Vector)
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode segment %s: %w", s.id, err)
	}

	body, err := compressBlock(w.Bytes(), c)
	if err != nil {
		return nil, fmt.Errorf("compress segment %s: %w", s.id, err)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(out[0:4], magic)
	binary.LittleEndian.PutUint16(out[4:6], formatVersion)
	out[6] = byte(c)
	binary.LittleEndian.PutUint32(out[8:12], uint32(s.dim))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(s.records)))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[20:24], hash.CRC32C(body))
	return append(out, body...), nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Decode parses a segment file. Every validation failure wraps ErrCorrupt.
func Decode(data []byte) (*Segment, error) {
	if len(data) < HeaderSize {
		return nil, corrupt("short header: %d bytes", len(data))
	}
	if string(data[0:4]) != magic {
		return nil, corrupt("bad magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != formatVersion {
		return nil, corrupt("unsupported format version %d", v)
	}
	c := Compression(data[6])
	dim := int(binary.LittleEndian.Uint32(data[8:12]))
	count := int(binary.LittleEndian.Uint32(data[12:16]))
	bodyLen := int(binary.LittleEndian.Uint32(data[16:20]))
	checksum := binary.LittleEndian.Uint32(data[20:24])

	if len(data)-HeaderSize != bodyLen {
		return nil, corrupt("body length %d, header says %d", len(data)-HeaderSize, bodyLen)
	}
	body := data[HeaderSize:]
	if err := hash.Verify(checksum, body); err != nil {
		return nil, corrupt("%v", err)
	}

	payload, err := decompressBlock(body, c)
	if err != nil {
		return nil, corrupt("decompress: %v", err)
	}

	r := binenc.NewReader(payload)
	id := model.SegmentID(r.Uint64())
	version := r.String()
	if r.Err() != nil {
		return nil, corrupt("payload header: %v", r.Err())
	}

	// Each record needs at least its fixed fields and vector.
	if minRec := 30 + 4*dim; count > r.Remaining()/minRec+1 {
		return nil, corrupt("record count %d exceeds payload", count)
	}

	records := make([]model.Record, count)
	for i := range records {
		rec := &records[i]
		rec.ID = r.String()
		rec.SourceDocumentID = r.String()
		rec.ChunkIndex = int(r.Uint32())
		rec.Text = string(r.Blob())
		rec.Category = r.String()
		rec.CreatedAt = fromUnixNano(r.Uint64())
		rec.StartOffset = int(r.Uint32())
		rec.EndOffset = int(r.Uint32())
		rec.Vector = r.Float32s(dim)
		rec.ModelVersion = version
		if r.Err() != nil {
			return nil, corrupt("record %d: %v", i, r.Err())
		}
	}
	if r.Remaining() != 0 {
		return nil, corrupt("%d trailing bytes", r.Remaining())
	}

	return newUnchecked(id, version, dim, records), nil
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}
