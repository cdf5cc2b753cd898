// Package store holds the relay's ticket state.
//
// Two layers live here:
//   - DB: SQLite-backed durable storage (users, tickets, ticket_messages,
//     route_links) with embedded schema and user_version migrations.
//   - Store: the in-memory ticket store used on the routing path. Every
//     mutation is written through to DB before it becomes visible.
//
// # Ordering
//
// Message order is the seq column, assigned by a store-wide Sequence. All
// bulk reads use deterministic ORDER BY clauses so that LoadImage returns
// the same Image for the same database.
//
// # Snapshots
//
// Image is the unit of export and restore. DB.ReplaceAll swaps the whole
// database in one transaction; Store.Load swaps memory. WriteDatabase and
// ReadDatabase move an Image to and from a standalone database file, which
// is what archives embed.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
