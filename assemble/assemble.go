package assemble

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/pocketrag/model"
)

// Order selects how chunks are arranged in the context.
type Order int

const (
	// OrderScore places the best-scoring chunk first.
	OrderScore Order = iota
	// OrderDocument groups chunks by source document in original chunk order.
	OrderDocument
)

// String returns the order name.
func (o Order) String() string {
	switch o {
	case OrderScore:
		return "score"
	case OrderDocument:
		return "document"
	default:
		return "unknown"
	}
}

// ParseOrder parses "score" or "document". The empty string is OrderScore.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "score":
		return OrderScore, nil
	case "document", "doc":
		return OrderDocument, nil
	}
	return 0, fmt.Errorf("unknown context order %q", s)
}

// DefaultMaxOverlapRatio is the overlap above which a chunk counts as a duplicate.
const DefaultMaxOverlapRatio = 0.5

// DefaultSeparator joins chunk texts.
const DefaultSeparator = "\n\n"

// Context is an assembled grounding context.
type Context struct {
	Text string
	// UsedRecordIDs lists the records that contributed text, in context order.
	UsedRecordIDs []string
	// Truncated is set when the budget cut a chunk or left hits out.
	Truncated bool
	// Tokens is the token count of Text.
	Tokens int
	// Duplicates counts hits dropped for overlapping an included chunk.
	Duplicates int
}

// IsEmpty reports whether no grounding text was assembled.
func (c Context) IsEmpty() bool { return c.Text == "" }

type options struct {
	order           Order
	maxOverlapRatio float64
	separator       string
	counter         TokenCounter
}

// Option configures an Assembler.
type Option func(*options)

// WithOrder sets the chunk order. Default OrderScore.
func WithOrder(o Order) Option {
	return func(opts *options) { opts.order = o }
}

// WithMaxOverlapRatio sets the duplicate threshold in [0,1].
// A chunk whose overlap with an included chunk exceeds the ratio is dropped.
func WithMaxOverlapRatio(r float64) Option {
	return func(o *options) {
		if r >= 0 && r <= 1 {
			o.maxOverlapRatio = r
		}
	}
}

// WithSeparator sets the string placed between chunks.
func WithSeparator(sep string) Option {
	return func(o *options) { o.separator = sep }
}

// WithTokenCounter sets how the budget is measured.
func WithTokenCounter(c TokenCounter) Option {
	return func(o *options) {
		if c != nil {
			o.counter = c
		}
	}
}

// Assembler builds contexts. It holds no mutable state and is safe for
// concurrent use.
type Assembler struct {
	opts options
}

// New creates an Assembler.
func New(optFns ...Option) *Assembler {
	o := options{
		order:           OrderScore,
		maxOverlapRatio: DefaultMaxOverlapRatio,
		separator:       DefaultSeparator,
		counter:         DefaultTokenCounter,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Assembler{opts: o}
}

// Assemble builds a context from hits with the default settings.
func Assemble(hits []model.Hit, tokenBudget int) Context {
	return New().Assemble(hits, tokenBudget)
}

// Assemble builds a context of at most tokenBudget tokens.
func (a *Assembler) Assemble(hits []model.Hit, tokenBudget int) Context {
	var out Context
	if len(hits) == 0 {
		return out
	}

	ranked := make([]model.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Text != "" {
			ranked = append(ranked, h)
		}
	}
	slices.SortStableFunc(ranked, byScore)

	kept := make([]model.Hit, 0, len(ranked))
	for _, h := range ranked {
		if a.duplicates(kept, h) {
			out.Duplicates++
			continue
		}
		kept = append(kept, h)
	}

	if a.opts.order == OrderDocument {
		slices.SortStableFunc(kept, byDocument)
	}

	var b strings.Builder
	for i, h := range kept {
		prefix := b.String()
		if i > 0 {
			prefix += a.opts.separator
		}
		candidate := prefix + h.Text
		if a.opts.counter.Count(candidate) <= tokenBudget {
			b.Reset()
			b.WriteString(candidate)
			out.UsedRecordIDs = append(out.UsedRecordIDs, h.ID)
			continue
		}

		out.Truncated = true
		fit := a.opts.counter.Prefix(candidate, tokenBudget)
		if len(fit) > len(prefix) {
			b.Reset()
			b.WriteString(fit)
			out.UsedRecordIDs = append(out.UsedRecordIDs, h.ID)
		}
		break
	}

	out.Text = b.String()
	out.Tokens = a.opts.counter.Count(out.Text)
	return out
}

func (a *Assembler) duplicates(kept []model.Hit, h model.Hit) bool {
	for _, k := range kept {
		if overlapRatio(k, h) > a.opts.maxOverlapRatio {
			return true
		}
	}
	return false
}

// overlapRatio returns the shared portion of two chunks relative to the
// shorter one. Chunks of the same document with known offsets compare their
// source ranges; otherwise the texts are compared.
func overlapRatio(a, b model.Hit) float64 {
	if a.SourceDocumentID == b.SourceDocumentID && a.SourceDocumentID != "" &&
		a.EndOffset > a.StartOffset && b.EndOffset > b.StartOffset {
		lo := max(a.StartOffset, b.StartOffset)
		hi := min(a.EndOffset, b.EndOffset)
		if hi <= lo {
			return 0
		}
		shorter := min(a.EndOffset-a.StartOffset, b.EndOffset-b.StartOffset)
		return float64(hi-lo) / float64(shorter)
	}

	shorter := min(len(a.Text), len(b.Text))
	if shorter == 0 {
		return 0
	}
	return float64(textOverlap(a.Text, b.Text)) / float64(shorter)
}

// textOverlap returns the length of the longest run shared at the seam of
// a and b: containment, a's suffix as b's prefix, or b's suffix as a's prefix.
func textOverlap(a, b string) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if strings.Contains(a, b) {
		return len(b)
	}
	return max(suffixPrefix(a, b), suffixPrefix(b, a))
}

// suffixPrefix returns the length of the longest suffix of a that is a
// prefix of b (Knuth-Morris-Pratt).
func suffixPrefix(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	fail := make([]int, len(b))
	for i, k := 1, 0; i < len(b); i++ {
		for k > 0 && b[i] != b[k] {
			k = fail[k-1]
		}
		if b[i] == b[k] {
			k++
		}
		fail[i] = k
	}

	j := 0
	for i := 0; i < len(a); i++ {
		for j > 0 && (j == len(b) || a[i] != b[j]) {
			j = fail[j-1]
		}
		if a[i] == b[j] {
			j++
		}
	}
	return j
}

func byScore(a, b model.Hit) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ChunkIndex, b.ChunkIndex); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func byDocument(a, b model.Hit) int {
	if c := strings.Compare(a.SourceDocumentID, b.SourceDocumentID); c != 0 {
		return c
	}
	return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
}
