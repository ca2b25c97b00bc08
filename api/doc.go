// Package api exposes the peer registry and session metrics over a
// small JSON REST surface.
//
// Error responses carry a machine-readable body of the form
// {"error": "..."} and the status is derived from the error category:
// validation failures map to 400, missing resources to 404, conflicts
// and repeated initialization to 409, an exhausted address pool to 409,
// and driver failures to 502. A peer creation whose driver reload fails
// still returns 201, with a warning field, because the peer is durably
// registered and will reach the interface on the next sync.
package api
