// Package sinks implements concrete capture-event consumers such as
// structured logging and the in-memory recent-events ring served by the
// HTTP API. Each sink satisfies the events.Sink interface and is safe
// for repeated Consume/Close cycles.
package sinks
