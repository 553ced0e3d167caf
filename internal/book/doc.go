// Package book defines the shared data model of the coordination runtime:
// covers, command and event books, snapshots, and the response envelopes
// exchanged between the coordinator, routers, stores, and the event bus.
package book
