// Package bus implements the durable message bus of the director protocol.
//
// Messages are persisted as one JSON file each under pending/, processed/,
// and error/ directories before delivery is attempted, so a crash never
// loses an accepted message. A single dispatcher goroutine drains pending
// messages in sequence order, fanning each one out to every matching
// subscriber. Delivery failures increment the message's retry counter and
// requeue it; once the retry budget is exhausted the message is moved to
// the error store with a rejection reason.
//
// Ordering: every published message is stamped with a monotonic sequence
// number and dispatch is sorted by it, so delivery follows publish order
// within the process lifetime. Directory enumeration order is never
// trusted.
//
// Request/response correlation is built on the same persistence path: a
// request carries a correlation id, and the first response message bearing
// that id resolves the waiting caller.
package bus
