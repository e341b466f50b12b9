// Package api hosts the HTTP handlers of the StreamVault REST API.
//
// Handler methods assume the middleware assembled by internal/server has
// already authenticated the caller and stored an auth.Principal in the
// request context. Every read and write is scoped to the principal's tenant:
// a record belonging to another tenant is reported as not found.
//
// Persistence, media files, the processing supervisor and the event
// broadcaster are injected at construction time; the package does not reach
// for globals.
package api
