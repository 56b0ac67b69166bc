// Package segment implements immutable segments: groups of records persisted
// together and loaded or evicted as a unit.
//
// # File Format
//
//	Header (24 bytes)
//	  Magic       "PRSG"
//	  Version     uint16
//	  Compression uint8
//	  Reserved    uint8
//	  Dim         uint32
//	  Count       uint32
//	  BodyLen     uint32
//	  Checksum    uint32  CRC32C of Body
//	Body
//	  block header (uncompressed size, compressed size; 0 = stored)
//	  payload: segment id, model version, records
//
// A segment is decoded fully or not at all: Decode either returns every
// record or fails with ErrCorrupt. Decoded segments never alias the input
// buffer, so the backing blob may be closed right after decoding.
package segment
