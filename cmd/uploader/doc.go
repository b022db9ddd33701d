// Package main hosts the uploader CLI entrypoint and command graph.
//
// The Cobra-based command tree runs the daemon in the foreground, reports
// ledger and preflight status, inspects and cleans the staging directory, and
// scaffolds configuration. It centralizes configuration resolution so
// subcommands can focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
