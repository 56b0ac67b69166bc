// Package embedding turns text into L2-normalized vectors.
//
// A Provider owns at most one loaded Model at a time. Loading and embedding
// are serialized by a mutex, so switching model variants can never race with
// an in-flight embedding call; the previous model is closed before the next
// one is acquired.
//
// # Backends
//
// Models are created by Loaders registered in a Registry under a backend
// name. NewRegistry registers the "hash" backend, a deterministic
// feature-hashing model that needs no external resources. The openai
// subpackage adds a backend for OpenAI-compatible embedding endpoints.
//
// # Degraded mode
//
// When a FallbackPolicy is configured, Embed never fails for lack of a model:
// without a loaded model, or when the model reports ErrModelUnavailable, the
// provider returns a hash embedding tagged with the fallback model version.
// Degraded mode is logged once until the next successful Load.
package embedding
