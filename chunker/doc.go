// Package chunker splits source text into bounded, overlapping passages.
//
// Cuts prefer, in order, a paragraph break, a sentence end, a line break and
// whitespace, looked for within a tolerance window before the size limit. If
// none is found the chunk is cut hard at the limit. Offsets are byte offsets
// into the source and never split a UTF-8 sequence.
//
// Each chunk after the first starts Overlap bytes before the previous chunk's
// end, so the ranges [StartOffset, EndOffset) cover the whole text and
// dropping each chunk's leading overlap reconstructs it exactly.
//
// Chunks are produced lazily. Stream reads from an io.Reader through a
// bounded window, so large documents never need one contiguous buffer.
package chunker
