// Package api implements chainkeeper's HTTP command surface and WebSocket
// event stream.
//
// This package provides:
//   - REST endpoints for every command (download, pause, resume, start,
//     stop, reset, start-all, stop-all) and query (chains, downloads,
//     history)
//   - WebSocket hub relaying bus events to subscribed clients
//   - JWT bearer authentication with viewer and operator roles
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - The prometheus /metrics endpoint
//
// # Results
//
// Command endpoints answer with the {"success": bool, "error": string}
// shape. A failed command is 409 Conflict; an unknown chain is 404.
//
// # Security
//
// With no JWT secret configured the API is open; config validation only
// allows that on a loopback address. WebSocket clients that cannot set an
// Authorization header pass the token as the "token" query parameter.
package api
