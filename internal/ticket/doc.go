// Package ticket defines the relay's domain vocabulary: users, tickets,
// their append-only message logs and the route links that map staff-channel
// messages back to tickets.
//
// # Invariants
//
//   - A user owns at most one ticket with status open.
//   - Messages in a ticket log are ordered by Seq, which is unique store-wide.
//   - A RouteLink never changes after it is created.
//
// The error taxonomy (CONFLICT, NOT_FOUND, TICKET_CLOSED, UNRESOLVED_ROUTE)
// lives here so that the store, the routing engine and the transport
// adapters agree on it without importing each other.
package ticket
