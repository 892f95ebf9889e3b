// Package api assembles the grantline HTTP server.
//
// The server mounts health probes and /metrics at the root and the engine
// routes under /api/v1. Public routes (registration) skip identity
// resolution. Every other /api/v1 route runs through
//
//	identity -> rate limit -> route policy enforcement -> handler
//
// so handlers only ever see requests the route policy allowed. The decision
// that admitted a request is available to handlers through
// enforce.DecisionFromContext.
package api
