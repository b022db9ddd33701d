// Package ledger persists upload metadata and received chunk numbers in SQLite.
//
// The ledger lets a restarted daemon recover what the staging directory cannot
// express on its own: declared sizes, MIME types, and progress topics. The
// staging directory stays authoritative for which chunks physically exist;
// ledger rows without a staging directory are discarded during recovery.
//
// Writes retry briefly on SQLITE_BUSY. The schema is embedded and versioned;
// a mismatched version refuses to open rather than guessing at a migration.
package ledger
