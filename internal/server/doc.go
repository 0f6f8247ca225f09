// Package server hosts the relay control surface from a single HTTP server.
//
// The server builds one middleware chain of request ids, security headers,
// logging, audit, metrics, rate limiting and the credential gate so every
// handler shares the same protections and instrumentation.
package server
