// Package upload reassembles chunked uploads exactly once.
//
// An Engine owns the registry of in-flight uploads, the staging store, the
// ledger, and the notifier. HandleChunk runs one chunk through admission,
// staging, and bookkeeping; the chunk that completes an upload also runs the
// merge, which concatenates the staged chunks into a temp file inside the
// upload root and exposes it with a single rename.
//
// New rebuilds in-flight uploads from the staging directory before returning,
// so an engine is ready to resume interrupted uploads as soon as it exists.
package upload
