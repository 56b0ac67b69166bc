package chunker

import (
	"errors"
	"io"
	"iter"
	"strings"
)

// Stream splits the text read from r. At most a few multiples of MaxSize
// bytes are buffered at a time. Chunk offsets are relative to the start of r.
func (c *Chunker) Stream(r io.Reader) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		var (
			window string
			base   int
			start  int
			index  int
			eof    bool
			buf    = make([]byte, 4*c.cfg.MaxSize)
		)

		for {
			end, next, ok := c.cut(window, start, eof)
			if !ok {
				n, err := r.Read(buf)
				if n > 0 {
					// Drop the consumed prefix before growing the window.
					window = window[start:] + string(buf[:n])
					base += start
					start = 0
				}
				if errors.Is(err, io.EOF) {
					eof = true
				} else if err != nil {
					yield(Chunk{}, err)
					return
				}
				continue
			}
			if start == len(window) {
				return
			}

			chunk := Chunk{
				Index:       index,
				Text:        strings.Clone(window[start:end]),
				StartOffset: base + start,
				EndOffset:   base + end,
			}
			if !yield(chunk, nil) {
				return
			}
			if end == len(window) && eof {
				return
			}
			start = next
			index++
		}
	}
}
