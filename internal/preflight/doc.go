// Package preflight provides readiness checks for the filesystem paths and
// external services the upload daemon depends on.
//
// These checks run in two contexts:
//   - The daemon runner calls RunAll before starting; failures are logged with
//     a hint but do not stop startup.
//   - The CLI "uploader status" command renders every Result in its table.
//
// The ntfy check is skipped when no notification URL is configured.
package preflight
