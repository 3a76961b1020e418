// Package api implements the read-only HTTP status API of the gateway.
//
// New(store, session) returns an http.Handler that serves:
//
//	GET /api/v1/health            session state, record and pending counts
//	GET /api/v1/variables         every record in name order
//	GET /api/v1/variables/{name}  one record; 404 if unknown
//	GET /api/v1/snapshot          variables plus session status and generated_at
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. JSON types are defined in types.go.
package api
