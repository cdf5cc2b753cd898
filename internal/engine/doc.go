// Package engine implements the routing engine: the per-user ticket state
// machine that turns inbound chat events into ticket store mutations and
// outbound messages.
//
// STATES (per user):
//
//	NO_ACTIVE_TICKET  --user_message / open_ticket-->  ACTIVE_TICKET(id)
//	ACTIVE_TICKET(id) --staff_close / confirm_close-->  NO_ACTIVE_TICKET
//
// Everything else (further user messages, staff replies, close requests)
// keeps the state and only appends to the ticket log or sends notices.
//
// CONCURRENCY:
//
// Every event holds the shared side of the restore gate for its whole
// duration, plus the per-user lock of the affected user. Events for
// different users run in parallel; events for one user are serialized; a
// snapshot capture or restore waits until in-flight events finish and holds
// new ones back until it is done.
//
// DELIVERY ORDER:
//
// The ticket log is written before anything is sent. If the transport
// fails afterwards the message stays in the log and the caller gets a
// *DeliveryError, so nothing the relay reports as accepted is ever lost.
package engine
