// Package events defines the events reported while scan jobs run and an
// in-memory broadcaster that fans them out to observers.
//
// Every event uses the Event envelope; Kind decides which fields carry
// meaning. Commit streams deliver every event of one dispatch in order.
// The Broadcaster is for observers that may fall behind: it never blocks
// the publisher and drops events for subscribers whose buffer is full.
package events
