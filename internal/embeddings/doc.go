// Package embeddings turns text into vectors for the matcher and learner.
//
// Service calls an OpenAI-compatible embedding endpoint (OpenAI or a local TEI
// server) through langchaingo, with a per-call timeout and a single retry.
// Cache sits in front of it: vectors are content-addressed by the hash of the
// normalized text and model, held in an in-process L1 and persisted in the
// pattern store, and concurrent misses for the same text share one call.
package embeddings
