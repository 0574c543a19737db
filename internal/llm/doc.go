// Package llm defines the completion boundary used by the phase handlers and
// tool resolvers. Provider adapters live in sub packages; Resilient adds
// timeout, retry and rate limiting on top of any of them.
package llm
