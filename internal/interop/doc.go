// Package interop holds the shared call-bridge vocabulary: call requests,
// completion events, type tags, capabilities and the error taxonomy.
//
// Ownership boundary:
// - wire-neutral data model used by registry, refs, binder, completion and dispatch
// - error kinds and their caller-facing diagnostic format
//
// Nothing in this package does I/O.
package interop
