// Package postgres opens tollgate's PostgreSQL connections and applies its
// schema migrations.
//
// Writes always go to the primary. Read-only reporting, such as revenue
// snapshots, may use Replica(), which falls back to the primary when no
// replica is configured or healthy.
package postgres
