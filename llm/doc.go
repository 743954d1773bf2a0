// Package llm defines the provider abstraction used by every component that
// talks to a hosted language model: the unified request/response types, the
// error taxonomy aligning HTTP status with retryability, and small response
// helpers. Concrete transports live in subpackages (see openaicompat).
package llm
