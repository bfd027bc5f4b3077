// Package model holds the current workspace snapshot and publishes what
// each transaction changed.
//
// Update derives a builder from the current snapshot, lets the caller edit
// it, and commits the result: the new snapshot replaces the current one
// and a ChangeSet carrying the builder's collected changes is queued.
// Transactions that are a net no-op are not committed.
//
// Publication is decoupled from commits. Run is a single-goroutine
// dispatch loop that drains the queue in commit order and calls every
// subscribed Listener with each change set, so a slow listener never
// blocks a writer.
package model
