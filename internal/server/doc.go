// Package server hosts the StreamVault API from a single HTTP server.
//
// The server builds one middleware chain of request IDs, security headers,
// CORS, logging, metrics, auditing and authentication so every handler shares
// the same protections and instrumentation. Login and registration are
// additionally throttled per client IP.
package server
