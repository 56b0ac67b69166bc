// Package assemble turns ranked search hits into a grounding context for a
// generative model.
//
// The assembler orders hits (by score, or by source document and chunk index
// for narrative coherence), drops chunks that largely repeat an already
// included chunk, and appends chunk texts until a token budget is reached.
// The last chunk is truncated so the context fits the budget exactly.
//
// The IDs of every chunk that contributed text are returned so callers can
// cite sources. Zero hits yield an empty context; callers handle the
// "no grounding available" case themselves.
package assemble
