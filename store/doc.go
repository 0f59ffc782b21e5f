// Package store persists client-side conversation state: one append-only
// newline-delimited JSON log per conversation (peer or room), plus a small
// JSON file holding the set of pinned conversations. The logs are the
// boundary the presentation layer reads for history; the core appends one
// entry per accepted inbound or outbound message.
package store
