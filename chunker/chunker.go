package chunker

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"
)

// ErrInvalidChunkSize is returned by Config.Validate.
var ErrInvalidChunkSize = errors.New("invalid chunk size")

// Chunk is one passage of a source text.
type Chunk struct {
	Index       int
	Text        string
	StartOffset int
	EndOffset   int
}

// Config parameterizes a Chunker.
type Config struct {
	// MaxSize is the maximum chunk length in bytes.
	MaxSize int
	// Overlap is the number of bytes repeated at the head of the next chunk.
	Overlap int
	// Tolerance is how far before MaxSize a boundary is looked for.
	// Zero means MaxSize/5.
	Tolerance int
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.MaxSize <= 0:
		return fmt.Errorf("%w: max size %d", ErrInvalidChunkSize, c.MaxSize)
	case c.Overlap < 0 || c.Overlap >= c.MaxSize:
		return fmt.Errorf("%w: overlap %d with max size %d", ErrInvalidChunkSize, c.Overlap, c.MaxSize)
	case c.Tolerance < 0:
		return fmt.Errorf("%w: tolerance %d", ErrInvalidChunkSize, c.Tolerance)
	}
	return nil
}

func (c Config) tolerance() int {
	if c.Tolerance > 0 {
		return min(c.Tolerance, c.MaxSize)
	}
	return c.MaxSize / 5
}

// Chunker splits text per its Config.
type Chunker struct {
	cfg Config
}

// New creates a Chunker.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the chunker configuration.
func (c *Chunker) Config() Config { return c.cfg }

// clamp mirrors New for the functional forms, which never fail.
func clamp(maxSize, overlap int) Config {
	if maxSize <= 0 {
		maxSize = 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxSize {
		overlap = maxSize / 4
	}
	return Config{MaxSize: maxSize, Overlap: overlap}
}

// Split splits text eagerly. Invalid sizes are clamped.
func Split(text string, maxSize, overlap int) []Chunk {
	var out []Chunk
	for c := range Chunks(text, maxSize, overlap) {
		out = append(out, c)
	}
	return out
}

// Chunks splits text lazily. Invalid sizes are clamped.
func Chunks(text string, maxSize, overlap int) iter.Seq[Chunk] {
	c := &Chunker{cfg: clamp(maxSize, overlap)}
	return c.Chunks(text)
}

// Chunks splits text lazily.
func (c *Chunker) Chunks(text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		start, i := 0, 0
		for start < len(text) {
			end, next, ok := c.cut(text, start, true)
			if !ok {
				return
			}
			if !yield(Chunk{Index: i, Text: text[start:end], StartOffset: start, EndOffset: end}) {
				return
			}
			if end == len(text) {
				return
			}
			start = next
			i++
		}
	}
}

// cut returns the end of the chunk starting at start and the start of the
// following chunk. With final unset, ok is false when s may continue past
// its end and more input is needed to decide.
func (c *Chunker) cut(s string, start int, final bool) (end, next int, ok bool) {
	maxSize, overlap := c.cfg.MaxSize, c.cfg.Overlap

	if len(s)-start <= maxSize {
		if !final {
			return 0, 0, false
		}
		return len(s), len(s), true
	}

	limit := start + maxSize
	for limit > start && !utf8.RuneStart(s[limit]) {
		limit--
	}
	if limit == start {
		// MaxSize is smaller than one rune; emit the whole rune.
		if !final && !utf8.FullRuneInString(s[start:]) {
			return 0, 0, false
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		limit = start + size
	}

	// The boundary must leave room to advance past the overlap.
	lo := max(limit-c.cfg.tolerance(), start+overlap+1)
	end = limit
	if lo < limit {
		if b := boundary(s[lo:limit]); b > 0 {
			end = lo + b
		}
	}

	next = end - overlap
	for next > start && next < len(s) && !utf8.RuneStart(s[next]) {
		next--
	}
	if next <= start {
		next = end
	}
	return end, next, true
}

// boundary returns the cut position within window (exclusive end of the
// chunk), or 0 if window contains no boundary.
func boundary(window string) int {
	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return i + 2
	}
	if i := lastSentenceEnd(window); i > 0 {
		return i
	}
	if i := strings.LastIndexByte(window, '\n'); i >= 0 {
		return i + 1
	}
	if i := strings.LastIndexAny(window, " \t"); i >= 0 {
		return i + 1
	}
	return 0
}

// lastSentenceEnd finds the last ". ", "! " or "? " (any ASCII whitespace)
// and returns the offset just past the whitespace.
func lastSentenceEnd(window string) int {
	for i := len(window) - 2; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			switch window[i+1] {
			case ' ', '\t', '\n', '\r':
				return i + 2
			}
		}
	}
	return 0
}
