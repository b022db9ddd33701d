// Package httpapi exposes the upload engine over HTTP.
//
// Chunks arrive as multipart POSTs whose field names come from the configured
// field map, so resumable.js and similar clients work without changes. A GET
// on the same path with the same fields answers whether a chunk is already
// staged (200) or still needed (204). Responses are JSON and gzip-compressed
// when the client accepts it; an optional bearer token guards every route but
// /health.
package httpapi
