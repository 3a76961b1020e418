// Package ws streams the gateway status over WebSocket.
//
// Hub.ServeHTTP upgrades a request, sends the current status immediately and
// then every broadcast interval until the client goes away or Hub.Run's
// context is cancelled. The payload is the GET /api/v1/snapshot document in
// an envelope:
//
//	{"event": "snapshot", "data": {"variables": [...], "session": {...}, "generated_at": "..."}}
//
// The upgrader accepts all origins; the server is mounted at /ws/stream.
package ws
