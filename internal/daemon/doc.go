// Package daemon coordinates the long-running upload service.
//
// It wires configuration, the ledger, the upload engine, and the HTTP API into
// a single lifecycle with flock-based locking so two processes never share a
// staging directory. Startup recovery runs after the lock is held and before
// the listener opens; a background sweeper evicts idle uploads and removes
// stale staging directories on the configured interval.
//
// Keep orchestration logic here: upload semantics live in internal/upload and
// request decoding in internal/httpapi.
package daemon
