// Package router maps discriminated payload types to registered handlers.
// Routers are explicit builders over ordered (type matcher, handler) pairs
// evaluated first-match-wins; matching uses the type name's trailing
// component so registrations never carry wire package prefixes.
package router
